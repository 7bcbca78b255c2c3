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
	"os"
	"path/filepath"
	"strconv"
)

// TB is the part of testing.TB the helpers need. GinkgoT satisfies it too.
type TB interface {
	Helper()
	TempDir() string
	Fatalf(format string, args ...any)
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Symlink creates link pointing to target, creating parent directories.
func Symlink(t TB, target, link string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(link), err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink %s: %v", link, err)
	}
}

// PCIFunction describes a fake PCI function.
type PCIFunction struct {
	Class      string
	Vendor     string
	Device     string
	Driver     string
	BootVGA    bool
	IommuGroup int
	NoIommu    bool
	DRM        []string
}

// Sysfs is a fake /sys tree rooted in a test temp dir.
type Sysfs struct {
	Root string
	t    TB
}

func NewSysfs(t TB) *Sysfs {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bus/pci/devices"), 0o755); err != nil {
		t.Fatalf("mkdir devices: %v", err)
	}
	return &Sysfs{Root: root, t: t}
}

// DevicePath returns the sysfs directory of addr.
func (s *Sysfs) DevicePath(addr string) string {
	return filepath.Join(s.Root, "bus/pci/devices", addr)
}

// DriverPath returns the sysfs directory of a driver.
func (s *Sysfs) DriverPath(driver string) string {
	return filepath.Join(s.Root, "bus/pci/drivers", driver)
}

// AddFunction creates the device directory with its attributes.
func (s *Sysfs) AddFunction(addr string, fn PCIFunction) {
	s.t.Helper()
	dir := s.DevicePath(addr)
	WriteFile(s.t, filepath.Join(dir, "class"), fn.Class)
	WriteFile(s.t, filepath.Join(dir, "vendor"), fn.Vendor)
	WriteFile(s.t, filepath.Join(dir, "device"), fn.Device)
	if len(fn.Class) >= 4 && fn.Class[:4] == "0x03" {
		bootVGA := "0"
		if fn.BootVGA {
			bootVGA = "1"
		}
		WriteFile(s.t, filepath.Join(dir, "boot_vga"), bootVGA)
	}
	if fn.Driver != "" {
		s.SetDriver(addr, fn.Driver)
	}
	if !fn.NoIommu {
		group := filepath.Join(s.Root, "kernel/iommu_groups", strconv.Itoa(fn.IommuGroup))
		Symlink(s.t, group, filepath.Join(dir, "iommu_group"))
		Symlink(s.t, dir, filepath.Join(group, "devices", addr))
	}
	for _, node := range fn.DRM {
		if err := os.MkdirAll(filepath.Join(dir, "drm", node), 0o755); err != nil {
			s.t.Fatalf("mkdir drm node: %v", err)
		}
	}
}

// AddDriver registers a driver directory under bus/pci/drivers.
func (s *Sysfs) AddDriver(driver string) string {
	s.t.Helper()
	drvDir := s.DriverPath(driver)
	if err := os.MkdirAll(drvDir, 0o755); err != nil {
		s.t.Fatalf("mkdir driver: %v", err)
	}
	return drvDir
}

// SetDriver points the driver symlink of addr at driver.
func (s *Sysfs) SetDriver(addr, driver string) {
	s.t.Helper()
	drvDir := s.AddDriver(driver)
	link := filepath.Join(s.DevicePath(addr), "driver")
	_ = os.Remove(link)
	Symlink(s.t, drvDir, link)
}

// ClearDriver removes the driver symlink of addr.
func (s *Sysfs) ClearDriver(addr string) {
	s.t.Helper()
	if err := os.Remove(filepath.Join(s.DevicePath(addr), "driver")); err != nil && !os.IsNotExist(err) {
		s.t.Fatalf("remove driver link: %v", err)
	}
}

// ReadFile returns the content of a file under the root, or "" when absent.
func (s *Sysfs) ReadFile(rel string) string {
	s.t.Helper()
	data, err := os.ReadFile(filepath.Join(s.Root, rel))
	if err != nil {
		return ""
	}
	return string(data)
}
