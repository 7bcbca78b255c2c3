//go:build !linux
// +build !linux

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
	"errors"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

var errUnsupported = errors.New("bpf lsm enforcement is supported on linux only")

// BPFMaps is unavailable outside linux.
type BPFMaps struct {
	Reused bool
}

func Open(Options) (*BPFMaps, error) {
	return nil, errUnsupported
}

func (m *BPFMaps) SetID(uint32, bool) error              { return errUnsupported }
func (m *BPFMaps) SetAddress(string, bool) error         { return errUnsupported }
func (m *BPFMaps) BlockedID(uint32) bool                 { return false }
func (m *BPFMaps) BlockedAddress(PCIKey) bool            { return false }
func (m *BPFMaps) Entries() ([]domain.BlockEntry, error) { return nil, errUnsupported }
func (m *BPFMaps) Close() error                          { return nil }
