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

package enforce

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

// MemoryMaps keeps the enforcement tables in process memory. It enforces
// nothing in the kernel and backs hosts without the bpf LSM.
type MemoryMaps struct {
	mu        sync.RWMutex
	ids       map[uint32]uint8
	addresses map[PCIKey]uint8
}

func NewMemoryMaps() *MemoryMaps {
	return &MemoryMaps{
		ids:       map[uint32]uint8{},
		addresses: map[PCIKey]uint8{},
	}
}

func (m *MemoryMaps) SetID(id uint32, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !enabled {
		delete(m.ids, id)
		return nil
	}
	if _, ok := m.ids[id]; !ok && len(m.ids) >= MaxEntries {
		return fmt.Errorf("blocked_ids: map full")
	}
	m.ids[id] = blockedValue
	return nil
}

func (m *MemoryMaps) SetAddress(addr string, enabled bool) error {
	key, err := NewPCIKey(addr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !enabled {
		delete(m.addresses, key)
		return nil
	}
	if _, ok := m.addresses[key]; !ok && len(m.addresses) >= MaxEntries {
		return fmt.Errorf("blocked_pci: map full")
	}
	m.addresses[key] = blockedValue
	return nil
}

func (m *MemoryMaps) BlockedID(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids[id] == blockedValue
}

func (m *MemoryMaps) BlockedAddress(key PCIKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addresses[key] == blockedValue
}

// Entries lists ids first, then addresses, each sorted.
func (m *MemoryMaps) Entries() ([]domain.BlockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]domain.BlockEntry, 0, len(m.ids)+len(m.addresses))
	for id, v := range m.ids {
		entries = append(entries, domain.BlockEntry{Kind: domain.BlockByID, ID: id, Enabled: v == blockedValue})
	}
	for key, v := range m.addresses {
		entries = append(entries, domain.BlockEntry{Kind: domain.BlockByPCIAddress, Address: key.String(), Enabled: v == blockedValue})
	}
	sortEntries(entries)
	return entries, nil
}

func (m *MemoryMaps) Close() error { return nil }

func sortEntries(entries []domain.BlockEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Kind == domain.BlockByID {
			return a.ID < b.ID
		}
		return a.Address < b.Address
	})
}
