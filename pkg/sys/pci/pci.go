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

package pci

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const defaultSysRoot = "/sys"

// Device describes a PCI function read from sysfs.
type Device struct {
	Address    string
	ClassCode  string
	VendorID   string
	DeviceID   string
	DriverName string
	BootVGA    bool
	// IommuGroup is -1 when the function has no iommu_group link.
	IommuGroup int
	// Path is the sysfs directory of the function.
	Path string
}

// IsDisplay reports whether the function is a display controller (class 03xx).
func (d Device) IsDisplay() bool {
	return strings.HasPrefix(d.ClassCode, "03")
}

// IsBridge reports whether the function is a PCI-to-PCI bridge.
func (d Device) IsBridge() bool {
	return d.ClassCode == "0604"
}

// Reader lists PCI functions and IOMMU groups.
type Reader interface {
	List(ctx context.Context) ([]Device, error)
	IommuGroupMembers(ctx context.Context, group int) ([]string, error)
}

// SysfsReader reads PCI functions from sysfs.
type SysfsReader struct {
	SysRoot string
}

// NewSysfsReader creates a sysfs-based PCI reader.
func NewSysfsReader(sysRoot string) *SysfsReader {
	return &SysfsReader{SysRoot: sysRoot}
}

func (r *SysfsReader) root() string {
	if r.SysRoot == "" {
		return defaultSysRoot
	}
	return r.SysRoot
}

// List returns all PCI functions sorted by address. Functions whose
// identity attributes cannot be read are skipped; an unreadable devices
// directory is an error.
func (r *SysfsReader) List(ctx context.Context) ([]Device, error) {
	base := filepath.Join(r.root(), "bus/pci/devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read pci devices: %w", err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		addr := entry.Name()
		if !ValidAddress(addr) {
			continue
		}
		dev, ok := readDevice(filepath.Join(base, addr), addr)
		if !ok {
			continue
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices, nil
}

// IommuGroupMembers lists the PCI addresses in an IOMMU group, sorted.
func (r *SysfsReader) IommuGroupMembers(ctx context.Context, group int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(r.root(), "kernel/iommu_groups", strconv.Itoa(group), "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read iommu group %d: %w", group, err)
	}
	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		members = append(members, entry.Name())
	}
	sort.Strings(members)
	return members, nil
}

func readDevice(devicePath, addr string) (Device, bool) {
	classRaw, err := readTrim(filepath.Join(devicePath, "class"))
	if err != nil {
		return Device{}, false
	}
	classCode := normalizeClassCode(classRaw)
	if classCode == "" {
		return Device{}, false
	}
	vendorRaw, err := readTrim(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return Device{}, false
	}
	deviceRaw, err := readTrim(filepath.Join(devicePath, "device"))
	if err != nil {
		return Device{}, false
	}

	bootVGA, _ := readTrim(filepath.Join(devicePath, "boot_vga"))
	return Device{
		Address:    addr,
		ClassCode:  classCode,
		VendorID:   normalizeHexID(vendorRaw),
		DeviceID:   normalizeHexID(deviceRaw),
		DriverName: readDriverName(devicePath),
		BootVGA:    bootVGA == "1",
		IommuGroup: readIommuGroup(devicePath),
		Path:       devicePath,
	}, true
}
