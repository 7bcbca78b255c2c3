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

package switcher_test

import (
	. "github.com/onsi/ginkgo/v2"

	"github.com/Luytan/hybridmanager/pkg/common/testutil"
	"github.com/Luytan/hybridmanager/pkg/enforce"
)

const (
	igpuAddr  = "0000:00:02.0"
	dgpuAddr  = "0000:01:00.0"
	audioAddr = "0000:01:00.1"
)

// laptopSysfs builds an iGPU plus a dGPU with its HDA function behind a
// root port, all of the dGPU side in IOMMU group 2.
func laptopSysfs() *testutil.Sysfs {
	sys := testutil.NewSysfs(GinkgoT())
	sys.AddFunction(igpuAddr, testutil.PCIFunction{Class: "0x030000", Vendor: "0x8086", Device: "0x46a6", Driver: "i915", BootVGA: true, IommuGroup: 0, DRM: []string{"card0", "renderD128"}})
	sys.AddFunction("0000:00:01.0", testutil.PCIFunction{Class: "0x060400", Vendor: "0x8086", Device: "0x460d", Driver: "pcieport", IommuGroup: 2})
	sys.AddFunction(dgpuAddr, testutil.PCIFunction{Class: "0x030000", Vendor: "0x10de", Device: "0x25a2", Driver: "nvidia", IommuGroup: 2, DRM: []string{"card1", "renderD129"}})
	sys.AddFunction(audioAddr, testutil.PCIFunction{Class: "0x040300", Vendor: "0x10de", Device: "0x2291", Driver: "snd_hda_intel", IommuGroup: 2})
	sys.AddDriver("vfio-pci")
	return sys
}

// orderedMaps records address unblocks that happen while the device has no
// driver and can pin an address entry to simulate a stuck kernel map.
type orderedMaps struct {
	*enforce.MemoryMaps
	binder           *testutil.Binder
	stuck            map[string]bool
	unboundAtUnblock []string
}

func newOrderedMaps() *orderedMaps {
	return &orderedMaps{MemoryMaps: enforce.NewMemoryMaps(), stuck: map[string]bool{}}
}

func (m *orderedMaps) SetAddress(addr string, enabled bool) error {
	if !enabled {
		if current, _ := m.binder.Driver(addr); current == "" {
			m.unboundAtUnblock = append(m.unboundAtUnblock, addr)
		}
		if m.stuck[addr] {
			return nil
		}
	}
	return m.MemoryMaps.SetAddress(addr, enabled)
}
