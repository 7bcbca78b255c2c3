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
	"bytes"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
)

const (
	// MaxEntries is the capacity of each kernel map.
	MaxEntries = 1024
	// PCIKeySize is the fixed key size of the address map.
	PCIKeySize = 16

	blockedValue uint8 = 1
)

// PCIKey is a NUL-terminated canonical PCI address, the key of the address map.
type PCIKey [PCIKeySize]byte

// NewPCIKey encodes a canonical PCI address.
func NewPCIKey(addr string) (PCIKey, error) {
	var key PCIKey
	if !pci.ValidAddress(addr) {
		return key, &domain.InvalidArgumentError{Argument: "pci address", Value: addr, Reason: "expected dddd:bb:dd.f"}
	}
	copy(key[:], addr)
	return key, nil
}

func (k PCIKey) String() string {
	if i := bytes.IndexByte(k[:], 0); i >= 0 {
		return string(k[:i])
	}
	return string(k[:])
}

// Lookup answers the two questions the file-open hook asks.
type Lookup interface {
	BlockedID(id uint32) bool
	BlockedAddress(key PCIKey) bool
}

// Maps is the user-space handle on the two enforcement maps. It has a
// single writer: the daemon.
type Maps interface {
	Lookup
	SetID(id uint32, enabled bool) error
	SetAddress(addr string, enabled bool) error
	Entries() ([]domain.BlockEntry, error)
	Close() error
}

// Apply writes entries in order and stops at the first failure.
func Apply(m Maps, entries []domain.BlockEntry) error {
	for _, e := range entries {
		var err error
		switch e.Kind {
		case domain.BlockByID:
			err = m.SetID(e.ID, e.Enabled)
		case domain.BlockByPCIAddress:
			err = m.SetAddress(e.Address, e.Enabled)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
