//go:build linux
// +build linux

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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

var onceMemlock sync.Once

type bpfObjects struct {
	FileOpen   *ebpf.Program `ebpf:"file_open"`
	BlockedIDs *ebpf.Map     `ebpf:"blocked_ids"`
	BlockedPCI *ebpf.Map     `ebpf:"blocked_pci"`
}

// BPFMaps owns the kernel maps and the LSM link.
type BPFMaps struct {
	ids  typedMap[uint32, uint8]
	pci  typedMap[PCIKey, uint8]
	prog *ebpf.Program
	lsm  link.Link
	// Reused is true when pinned state from a previous run was adopted.
	Reused bool
}

// Open attaches the file-open hook once. When pinned maps and link from a
// previous run exist they are adopted as is, so enforcement never lapses.
func Open(opts Options) (*BPFMaps, error) {
	var err error
	onceMemlock.Do(func() {
		err = rlimit.RemoveMemlock()
	})
	if err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}

	if opts.PinPath != "" {
		if m, err := openPinned(opts.PinPath); err == nil {
			return m, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return load(opts)
}

func openPinned(pinPath string) (*BPFMaps, error) {
	ids, err := ebpf.LoadPinnedMap(filepath.Join(pinPath, idsMapName), nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned %s: %w", idsMapName, err)
	}
	pci, err := ebpf.LoadPinnedMap(filepath.Join(pinPath, pciMapName), nil)
	if err != nil {
		ids.Close()
		return nil, fmt.Errorf("open pinned %s: %w", pciMapName, err)
	}
	lsm, err := link.LoadPinnedLink(filepath.Join(pinPath, linkPinName), nil)
	if err != nil {
		ids.Close()
		pci.Close()
		return nil, fmt.Errorf("open pinned link: %w", err)
	}
	return &BPFMaps{ids: typedMap[uint32, uint8]{ids}, pci: typedMap[PCIKey, uint8]{pci}, lsm: lsm, Reused: true}, nil
}

func load(opts Options) (*BPFMaps, error) {
	objectPath := opts.ObjectPath
	if objectPath == "" {
		objectPath = DefaultObjectPath
	}
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", objectPath, err)
	}

	collOpts := &ebpf.CollectionOptions{}
	if opts.PinPath != "" {
		if err := os.MkdirAll(opts.PinPath, 0o700); err != nil {
			return nil, fmt.Errorf("create pin path: %w", err)
		}
		collOpts.Maps.PinPath = opts.PinPath
	}

	objs := &bpfObjects{}
	if err := spec.LoadAndAssign(objs, collOpts); err != nil {
		return nil, fmt.Errorf("load bpf objects: %w", err)
	}

	lsm, err := link.AttachLSM(link.LSMOptions{Program: objs.FileOpen})
	if err != nil {
		closeAll(objs.FileOpen, objs.BlockedIDs, objs.BlockedPCI)
		return nil, fmt.Errorf("attach lsm/%s: %w", programName, err)
	}
	if opts.PinPath != "" {
		if err := lsm.Pin(filepath.Join(opts.PinPath, linkPinName)); err != nil {
			lsm.Close()
			closeAll(objs.FileOpen, objs.BlockedIDs, objs.BlockedPCI)
			return nil, fmt.Errorf("pin link: %w", err)
		}
	}

	return &BPFMaps{
		ids:  typedMap[uint32, uint8]{objs.BlockedIDs},
		pci:  typedMap[PCIKey, uint8]{objs.BlockedPCI},
		prog: objs.FileOpen,
		lsm:  lsm,
	}, nil
}

type closer interface{ Close() error }

func closeAll(cs ...closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (m *BPFMaps) SetID(id uint32, enabled bool) error {
	if enabled {
		return m.ids.put(id, blockedValue)
	}
	return m.ids.delete(id)
}

func (m *BPFMaps) SetAddress(addr string, enabled bool) error {
	key, err := NewPCIKey(addr)
	if err != nil {
		return err
	}
	if enabled {
		return m.pci.put(key, blockedValue)
	}
	return m.pci.delete(key)
}

func (m *BPFMaps) BlockedID(id uint32) bool {
	v, ok, err := m.ids.lookup(id)
	return err == nil && ok && v == blockedValue
}

func (m *BPFMaps) BlockedAddress(key PCIKey) bool {
	v, ok, err := m.pci.lookup(key)
	return err == nil && ok && v == blockedValue
}

func (m *BPFMaps) Entries() ([]domain.BlockEntry, error) {
	var entries []domain.BlockEntry
	err := m.ids.each(func(id uint32, v uint8) {
		entries = append(entries, domain.BlockEntry{Kind: domain.BlockByID, ID: id, Enabled: v == blockedValue})
	})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", idsMapName, err)
	}
	err = m.pci.each(func(key PCIKey, v uint8) {
		entries = append(entries, domain.BlockEntry{Kind: domain.BlockByPCIAddress, Address: key.String(), Enabled: v == blockedValue})
	})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", pciMapName, err)
	}
	sortEntries(entries)
	return entries, nil
}

// Close releases the handles. Pinned maps and link stay in the kernel.
func (m *BPFMaps) Close() error {
	var errs []error
	if m.lsm != nil {
		errs = append(errs, m.lsm.Close())
	}
	if m.prog != nil {
		errs = append(errs, m.prog.Close())
	}
	errs = append(errs, m.ids.m.Close(), m.pci.m.Close())
	return errors.Join(errs...)
}

// typedMap is a typed view over a fixed-size key/value map.
type typedMap[K comparable, V any] struct {
	m *ebpf.Map
}

func (t typedMap[K, V]) put(k K, v V) error {
	return t.m.Put(&k, &v)
}

func (t typedMap[K, V]) delete(k K) error {
	if err := t.m.Delete(&k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

func (t typedMap[K, V]) lookup(k K) (V, bool, error) {
	var v V
	if err := t.m.Lookup(&k, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return v, false, nil
		}
		return v, false, err
	}
	return v, true, nil
}

func (t typedMap[K, V]) each(fn func(K, V)) error {
	var (
		k K
		v V
	)
	iter := t.m.Iterate()
	for iter.Next(&k, &v) {
		fn(k, v)
	}
	return iter.Err()
}
