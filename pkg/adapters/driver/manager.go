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

package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

const (
	defaultSysRoot        = "/sys"
	defaultSettleTimeout  = 10 * time.Second
	defaultSettleInterval = 200 * time.Millisecond
)

// Binder performs PCI driver bind operations through sysfs.
type Binder interface {
	Driver(addr string) (string, error)
	Unbind(addr string) error
	Bind(addr, driver string) error
	Probe(addr string) error
	WaitUnbound(ctx context.Context, addr string) error
	WaitBound(ctx context.Context, addr, driver string) (string, error)
}

// Options configure the sysfs binder.
type Options struct {
	SysRoot        string
	SettleTimeout  time.Duration
	SettleInterval time.Duration
}

// Manager binds and unbinds PCI functions.
type Manager struct {
	sysRoot        string
	settleTimeout  time.Duration
	settleInterval time.Duration
}

// New constructs a sysfs binder.
func New(opts Options) *Manager {
	m := &Manager{
		sysRoot:        opts.SysRoot,
		settleTimeout:  opts.SettleTimeout,
		settleInterval: opts.SettleInterval,
	}
	if m.sysRoot == "" {
		m.sysRoot = defaultSysRoot
	}
	if m.settleTimeout <= 0 {
		m.settleTimeout = defaultSettleTimeout
	}
	if m.settleInterval <= 0 {
		m.settleInterval = defaultSettleInterval
	}
	return m
}

func (m *Manager) devicePath(addr string) string {
	return filepath.Join(m.sysRoot, "bus/pci/devices", addr)
}

func (m *Manager) driverPath(driver string) string {
	return filepath.Join(m.sysRoot, "bus/pci/drivers", driver)
}

// Driver returns the bound driver of addr, or "" when unbound.
func (m *Manager) Driver(addr string) (string, error) {
	link, err := os.Readlink(filepath.Join(m.devicePath(addr), "driver"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", &domain.DriverOperationError{Op: "read driver", Address: addr, Err: err}
	}
	return filepath.Base(link), nil
}

// Unbind detaches the current driver. An unbound function is left as is.
func (m *Manager) Unbind(addr string) error {
	current, err := m.Driver(addr)
	if err != nil || current == "" {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.driverPath(current), "unbind"), []byte(addr), 0o644); err != nil {
		return &domain.DriverOperationError{Op: "unbind", Address: addr, Driver: current, Err: err}
	}
	return nil
}

// Bind attaches driver to an unbound function through driver_override.
func (m *Manager) Bind(addr, driver string) error {
	if err := m.ensureDriver(driver); err != nil {
		return &domain.DriverOperationError{Op: "bind", Address: addr, Driver: driver, Err: err}
	}
	if err := m.writeDriverOverride(addr, driver); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.driverPath(driver), "bind"), []byte(addr), 0o644); err != nil {
		_ = m.writeDriverOverride(addr, "")
		return &domain.DriverOperationError{Op: "bind", Address: addr, Driver: driver, Err: err}
	}
	return m.writeDriverOverride(addr, "")
}

// Probe clears any override and asks the kernel to pick a driver.
func (m *Manager) Probe(addr string) error {
	if err := m.writeDriverOverride(addr, ""); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.sysRoot, "bus/pci/drivers_probe"), []byte(addr), 0o644); err != nil {
		return &domain.DriverOperationError{Op: "probe", Address: addr, Err: err}
	}
	return nil
}

// WaitUnbound polls until addr has no driver or the settle timeout expires.
func (m *Manager) WaitUnbound(ctx context.Context, addr string) error {
	_, err := m.wait(ctx, addr, func(current string) bool { return current == "" })
	if err != nil {
		return &domain.DriverOperationError{Op: "wait unbind", Address: addr, Err: err}
	}
	return nil
}

// WaitBound polls until addr is bound to driver, or to any driver when
// driver is empty. It returns the bound driver.
func (m *Manager) WaitBound(ctx context.Context, addr, driver string) (string, error) {
	current, err := m.wait(ctx, addr, func(current string) bool {
		return current != "" && (driver == "" || current == driver)
	})
	if err != nil {
		return "", &domain.DriverOperationError{Op: "wait bind", Address: addr, Driver: driver, Err: err}
	}
	return current, nil
}

func (m *Manager) wait(ctx context.Context, addr string, done func(string) bool) (string, error) {
	var current string
	err := wait.PollUntilContextTimeout(ctx, m.settleInterval, m.settleTimeout, true, func(context.Context) (bool, error) {
		var err error
		current, err = m.Driver(addr)
		if err != nil {
			return false, err
		}
		return done(current), nil
	})
	if err != nil {
		return current, fmt.Errorf("not settled after %s (driver %q): %w", m.settleTimeout, current, err)
	}
	return current, nil
}

func (m *Manager) ensureDriver(driver string) error {
	info, err := os.Stat(m.driverPath(driver))
	if err != nil {
		return fmt.Errorf("driver %q is not available: %w", driver, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("driver %q path is not a directory", driver)
	}
	return nil
}

func (m *Manager) writeDriverOverride(addr, driver string) error {
	value := driver
	if value == "" {
		value = "\n"
	}
	if err := os.WriteFile(filepath.Join(m.devicePath(addr), "driver_override"), []byte(value), 0o644); err != nil {
		return &domain.DriverOperationError{Op: "write driver_override", Address: addr, Driver: driver, Err: err}
	}
	return nil
}
