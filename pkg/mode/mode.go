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

package mode

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

// blockIndex holds the enabled keys of a block entry set.
type blockIndex struct {
	ids       sets.Set[uint32]
	addresses sets.Set[string]
}

func index(entries []domain.BlockEntry) blockIndex {
	idx := blockIndex{ids: sets.New[uint32](), addresses: sets.New[string]()}
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		switch e.Kind {
		case domain.BlockByID:
			idx.ids.Insert(e.ID)
		case domain.BlockByPCIAddress:
			idx.addresses.Insert(e.Address)
		}
	}
	return idx
}

func (idx blockIndex) blocked(dev domain.GpuDevice) bool {
	if idx.addresses.Has(dev.Address) {
		return true
	}
	for _, id := range dev.NodeIDs() {
		if idx.ids.Has(id) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether an enabled entry matches one of the device's
// DRM node ids or its PCI address.
func IsBlocked(dev domain.GpuDevice, entries []domain.BlockEntry) bool {
	return index(entries).blocked(dev)
}

// Current derives the mode from block entries alone. The default boot GPU
// is never counted. Without a blockable GPU the system is Hybrid.
func Current(devices []domain.GpuDevice, entries []domain.BlockEntry) domain.Mode {
	idx := index(entries)
	total, blocked := 0, 0
	for _, dev := range devices {
		if dev.IsDefaultBootGPU {
			continue
		}
		total++
		if idx.blocked(dev) {
			blocked++
		}
	}
	switch {
	case blocked == 0:
		return domain.ModeHybrid
	case blocked == total:
		return domain.ModeIntegrated
	default:
		return domain.ModeUnknown
	}
}

// Effective refines Current with driver bindings: Hybrid also requires every
// blockable GPU to be bound to a driver other than stubDriver. A block
// cleared without a rebind therefore reads as Unknown.
func Effective(devices []domain.GpuDevice, entries []domain.BlockEntry, stubDriver string) domain.Mode {
	m := Current(devices, entries)
	if m != domain.ModeHybrid {
		return m
	}
	for _, dev := range devices {
		if dev.IsDefaultBootGPU {
			continue
		}
		if dev.Driver == "" || (stubDriver != "" && dev.Driver == stubDriver) {
			return domain.ModeUnknown
		}
	}
	return m
}

// Annotate returns a copy of devices with IsBlocked derived from entries.
func Annotate(devices []domain.GpuDevice, entries []domain.BlockEntry) []domain.GpuDevice {
	idx := index(entries)
	out := make([]domain.GpuDevice, len(devices))
	for i, dev := range devices {
		dev.IsBlocked = idx.blocked(dev)
		out[i] = dev
	}
	return out
}

// Entries returns the block entries covering dev: one per DRM node id and
// one for its PCI address.
func Entries(dev domain.GpuDevice, enabled bool) []domain.BlockEntry {
	ids := dev.NodeIDs()
	entries := make([]domain.BlockEntry, 0, len(ids)+1)
	for _, id := range ids {
		entries = append(entries, domain.BlockEntry{Kind: domain.BlockByID, ID: id, Enabled: enabled})
	}
	return append(entries, domain.BlockEntry{Kind: domain.BlockByPCIAddress, Address: dev.Address, Enabled: enabled})
}
