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

package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
)

// Binder plays the kernel side of driver binding on a fake sysfs. DRM
// nodes vanish on unbind and reappear when a non-stub driver binds.
type Binder struct {
	Sys      *Sysfs
	Lookup   enforce.Lookup
	GPUNodes map[string][]string
	Stub     string
	FailOn   string
	OnUnbind func(addr string)

	mu              sync.Mutex
	ops             []string
	blockedAtUnbind map[string]bool
}

func NewBinder(sys *Sysfs, lookup enforce.Lookup, gpuNodes map[string][]string) *Binder {
	return &Binder{
		Sys:             sys,
		Lookup:          lookup,
		GPUNodes:        gpuNodes,
		blockedAtUnbind: map[string]bool{},
	}
}

// Ops returns the driver operations issued so far.
func (b *Binder) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *Binder) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

// BlockedAtUnbind reports whether addr was blocked by address when its
// driver was last unbound.
func (b *Binder) BlockedAtUnbind(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedAtUnbind[addr]
}

func (b *Binder) record(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	if b.FailOn != "" && op == b.FailOn {
		return &domain.DriverOperationError{Op: op, Err: errors.New("injected failure")}
	}
	return nil
}

func (b *Binder) Driver(addr string) (string, error) {
	link, err := os.Readlink(filepath.Join(b.Sys.DevicePath(addr), "driver"))
	if err != nil {
		return "", nil
	}
	return filepath.Base(link), nil
}

func (b *Binder) Unbind(addr string) error {
	if err := b.record("unbind " + addr); err != nil {
		return err
	}
	if b.Lookup != nil {
		key, _ := enforce.NewPCIKey(addr)
		blocked := b.Lookup.BlockedAddress(key)
		b.mu.Lock()
		b.blockedAtUnbind[addr] = blocked
		b.mu.Unlock()
	}
	if b.OnUnbind != nil {
		b.OnUnbind(addr)
	}
	b.Sys.ClearDriver(addr)
	return os.RemoveAll(filepath.Join(b.Sys.DevicePath(addr), "drm"))
}

func (b *Binder) Bind(addr, driver string) error {
	if err := b.record("bind " + addr + " " + driver); err != nil {
		return err
	}
	b.Sys.SetDriver(addr, driver)
	if driver == b.Stub {
		return nil
	}
	for _, node := range b.GPUNodes[addr] {
		if err := os.MkdirAll(filepath.Join(b.Sys.DevicePath(addr), "drm", node), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binder) Probe(addr string) error {
	return b.record("probe " + addr)
}

func (b *Binder) WaitUnbound(_ context.Context, addr string) error {
	if current, _ := b.Driver(addr); current != "" {
		return &domain.DriverOperationError{Op: "wait unbind", Address: addr, Err: errors.New("still bound")}
	}
	return nil
}

func (b *Binder) WaitBound(_ context.Context, addr, driver string) (string, error) {
	current, _ := b.Driver(addr)
	if current == "" || (driver != "" && current != driver) {
		return "", &domain.DriverOperationError{Op: "wait bind", Address: addr, Driver: driver, Err: errors.New("not bound")}
	}
	return current, nil
}
