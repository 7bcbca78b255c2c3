/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package inventory

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/sys/drm"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
	"github.com/Luytan/hybridmanager/pkg/sys/pciids"
)

// Scanner builds the GPU inventory from PCI topology. It never mutates
// the system and may run concurrently with itself.
type Scanner struct {
	reader  pci.Reader
	names   *pciids.Database
	devRoot string
}

// NewScanner creates an inventory scanner. names may be nil.
func NewScanner(reader pci.Reader, names *pciids.Database, devRoot string) *Scanner {
	if devRoot == "" {
		devRoot = drm.DefaultDevRoot
	}
	return &Scanner{reader: reader, names: names, devRoot: devRoot}
}

// Enumerate returns all display functions ordered by PCI address with ids
// 0..n-1 in that order. IsBlocked is left unset; it is derived from the
// enforcement entries by the caller.
func (s *Scanner) Enumerate(ctx context.Context) ([]domain.GpuDevice, error) {
	functions, err := s.functions(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]domain.GpuDevice, 0, len(functions))
	for _, fn := range functions {
		if !fn.IsDisplay() {
			continue
		}
		nodes, _ := drm.ReadNodes(fn.Path)
		devices = append(devices, domain.GpuDevice{
			ID:               uint32(len(devices)),
			Address:          fn.Address,
			Name:             s.names.DisplayName(fn.VendorID, fn.DeviceID),
			VendorID:         fn.VendorID,
			DeviceID:         fn.DeviceID,
			ClassCode:        fn.ClassCode,
			Driver:           fn.DriverName,
			RenderNode:       drm.Path(s.devRoot, nodes.Render),
			CardNode:         drm.Path(s.devRoot, nodes.Card),
			IsDefaultBootGPU: fn.BootVGA,
			IommuGroup:       fn.IommuGroup,
		})
	}
	markDefault(devices)
	return devices, nil
}

// markDefault falls back to the first GPU on bus 0 when firmware did not
// flag a boot VGA device.
func markDefault(devices []domain.GpuDevice) {
	for _, dev := range devices {
		if dev.IsDefaultBootGPU {
			return
		}
	}
	for i := range devices {
		if pci.Bus(devices[i].Address) == "00" {
			devices[i].IsDefaultBootGPU = true
			return
		}
	}
}

// ResolveIommuGroup returns the IOMMU group of the function at addr.
func (s *Scanner) ResolveIommuGroup(ctx context.Context, addr string) (domain.IommuGroup, error) {
	functions, err := s.functions(ctx)
	if err != nil {
		return domain.IommuGroup{}, err
	}
	fn, ok := find(functions, addr)
	if !ok {
		return domain.IommuGroup{}, &domain.UnknownDeviceError{Address: addr}
	}
	return s.group(ctx, fn)
}

// ValidateIsolation checks that the IOMMU group of addr holds only functions
// of the same slot and PCI bridges. It returns the group on success.
func (s *Scanner) ValidateIsolation(ctx context.Context, addr string) (domain.IommuGroup, error) {
	functions, err := s.functions(ctx)
	if err != nil {
		return domain.IommuGroup{}, err
	}
	fn, ok := find(functions, addr)
	if !ok {
		return domain.IommuGroup{}, &domain.UnknownDeviceError{Address: addr}
	}
	group, err := s.group(ctx, fn)
	if err != nil {
		return domain.IommuGroup{}, err
	}

	byAddr := make(map[string]pci.Device, len(functions))
	for _, f := range functions {
		byAddr[f.Address] = f
	}
	var unexpected []string
	for _, member := range group.Members {
		if pci.Slot(member) == pci.Slot(addr) {
			continue
		}
		if m, ok := byAddr[member]; ok && m.IsBridge() {
			continue
		}
		unexpected = append(unexpected, member)
	}
	if len(unexpected) > 0 {
		return group, &domain.TopologyError{
			Address:    addr,
			Reason:     fmt.Sprintf("iommu group %d is shared", group.Number),
			Unexpected: unexpected,
		}
	}
	return group, nil
}

// Siblings returns the non-display functions sharing the slot of addr,
// e.g. the HDA audio function of a discrete card.
func (s *Scanner) Siblings(ctx context.Context, addr string) ([]pci.Device, error) {
	functions, err := s.functions(ctx)
	if err != nil {
		return nil, err
	}
	var siblings []pci.Device
	for _, fn := range functions {
		if fn.Address == addr || fn.IsDisplay() || fn.IsBridge() {
			continue
		}
		if pci.Slot(fn.Address) == pci.Slot(addr) {
			siblings = append(siblings, fn)
		}
	}
	return siblings, nil
}

func (s *Scanner) functions(ctx context.Context) ([]pci.Device, error) {
	functions, err := s.reader.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &domain.TopologyError{Reason: "pci inventory unreadable", Err: err}
	}
	return functions, nil
}

func (s *Scanner) group(ctx context.Context, fn pci.Device) (domain.IommuGroup, error) {
	if fn.IommuGroup < 0 {
		return domain.IommuGroup{}, &domain.TopologyError{Address: fn.Address, Reason: "no iommu group"}
	}
	members, err := s.reader.IommuGroupMembers(ctx, fn.IommuGroup)
	if err != nil {
		return domain.IommuGroup{}, &domain.TopologyError{Address: fn.Address, Reason: "iommu group unreadable", Err: err}
	}
	return domain.IommuGroup{Number: fn.IommuGroup, Members: sets.List(sets.New(members...))}, nil
}

func find(functions []pci.Device, addr string) (pci.Device, bool) {
	for _, fn := range functions {
		if fn.Address == addr {
			return fn, true
		}
	}
	return pci.Device{}, false
}

// Lookup returns the device with the given id.
func Lookup(devices []domain.GpuDevice, id uint32) (domain.GpuDevice, bool) {
	for _, dev := range devices {
		if dev.ID == id {
			return dev, true
		}
	}
	return domain.GpuDevice{}, false
}

// Blockable returns the GPUs that may be blocked: every GPU except the
// default boot GPU.
func Blockable(devices []domain.GpuDevice) []domain.GpuDevice {
	out := make([]domain.GpuDevice, 0, len(devices))
	for _, dev := range devices {
		if !dev.IsDefaultBootGPU {
			out = append(out, dev)
		}
	}
	return out
}
