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

package pci_test

import (
	"context"
	"testing"

	"github.com/Luytan/hybridmanager/pkg/common/testutil"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
)

func TestSysfsReaderList(t *testing.T) {
	sys := testutil.NewSysfs(t)
	sys.AddFunction("0000:01:00.1", testutil.PCIFunction{Class: "0x040300", Vendor: "0x10de", Device: "0x2291", Driver: "snd_hda_intel", IommuGroup: 12})
	sys.AddFunction("0000:01:00.0", testutil.PCIFunction{Class: "0x030000", Vendor: "0x10DE", Device: "0x25a2", Driver: "nvidia", IommuGroup: 12})
	sys.AddFunction("0000:00:02.0", testutil.PCIFunction{Class: "0x030000", Vendor: "0x8086", Device: "0x46a6", Driver: "i915", BootVGA: true, NoIommu: true})
	testutil.WriteFile(t, sys.DevicePath("0000:00:1f.0")+"/vendor", "0x8086")

	devices, err := pci.NewSysfsReader(sys.Root).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}

	igpu, dgpu, audio := devices[0], devices[1], devices[2]
	if igpu.Address != "0000:00:02.0" || dgpu.Address != "0000:01:00.0" || audio.Address != "0000:01:00.1" {
		t.Fatalf("unexpected order %q %q %q", igpu.Address, dgpu.Address, audio.Address)
	}
	if !igpu.BootVGA || igpu.IommuGroup != -1 {
		t.Fatalf("unexpected igpu %+v", igpu)
	}
	if dgpu.ClassCode != "0300" || !dgpu.IsDisplay() {
		t.Fatalf("unexpected class code %q", dgpu.ClassCode)
	}
	if dgpu.VendorID != "10de" || dgpu.DeviceID != "25a2" {
		t.Fatalf("unexpected ids %q:%q", dgpu.VendorID, dgpu.DeviceID)
	}
	if dgpu.DriverName != "nvidia" || dgpu.IommuGroup != 12 || dgpu.BootVGA {
		t.Fatalf("unexpected dgpu %+v", dgpu)
	}
	if audio.IsDisplay() {
		t.Fatalf("audio function reported as display")
	}
}

func TestSysfsReaderListUnreadable(t *testing.T) {
	if _, err := pci.NewSysfsReader(t.TempDir()).List(context.Background()); err == nil {
		t.Fatalf("expected error for missing devices dir")
	}
}

func TestIommuGroupMembers(t *testing.T) {
	sys := testutil.NewSysfs(t)
	sys.AddFunction("0000:01:00.1", testutil.PCIFunction{Class: "0x040300", Vendor: "0x10de", Device: "0x2291", IommuGroup: 3})
	sys.AddFunction("0000:01:00.0", testutil.PCIFunction{Class: "0x030000", Vendor: "0x10de", Device: "0x25a2", IommuGroup: 3})

	members, err := pci.NewSysfsReader(sys.Root).IommuGroupMembers(context.Background(), 3)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "0000:01:00.0" || members[1] != "0000:01:00.1" {
		t.Fatalf("unexpected members %v", members)
	}
	if _, err := pci.NewSysfsReader(sys.Root).IommuGroupMembers(context.Background(), 99); err == nil {
		t.Fatalf("expected error for unknown group")
	}
}
