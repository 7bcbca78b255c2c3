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
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Luytan/hybridmanager/pkg/adapters/checkpoint/file"
	"github.com/Luytan/hybridmanager/pkg/common/testutil"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/inventory"
	"github.com/Luytan/hybridmanager/pkg/switcher"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
)

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		sys    *testutil.Sysfs
		maps   *orderedMaps
		binder *testutil.Binder
		store  *file.Store
		opts   switcher.Options
	)

	newService := func() *switcher.Service {
		return switcher.New(opts)
	}

	switchTo := func(svc *switcher.Service, target domain.Mode) domain.Outcome {
		return svc.Switch(ctx, domain.SwitchRequest{Target: target})
	}

	currentDriver := func(addr string) string {
		drv, err := binder.Driver(addr)
		Expect(err).NotTo(HaveOccurred())
		return drv
	}

	dgpuKey := func() enforce.PCIKey {
		key, err := enforce.NewPCIKey(dgpuAddr)
		Expect(err).NotTo(HaveOccurred())
		return key
	}

	BeforeEach(func() {
		ctx = context.Background()
		sys = laptopSysfs()
		maps = newOrderedMaps()
		binder = testutil.NewBinder(sys, maps, map[string][]string{dgpuAddr: {"card1", "renderD129"}})
		maps.binder = binder
		store = file.New(filepath.Join(GinkgoT().TempDir(), "state.json"))
		opts = switcher.Options{
			Inventory:      inventory.NewScanner(pci.NewSysfsReader(sys.Root), nil, "/dev"),
			Maps:           maps,
			Binder:         binder,
			Checkpoints:    store,
			UnbindSiblings: true,
			SettleInterval: time.Millisecond,
		}
	})

	It("reports hybrid on a fresh host", func() {
		svc := newService()
		Expect(svc.Mode(ctx)).To(Equal(domain.ModeHybrid))
		Expect(svc.Phase()).To(Equal(domain.PhaseIdle))

		devices, err := svc.Devices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(HaveLen(2))
		Expect(devices[0].IsDefaultBootGPU).To(BeTrue())
		Expect(devices[1].IsBlocked).To(BeFalse())
	})

	Context("switching to integrated", func() {
		It("blocks the dGPU before unbinding it and its siblings", func() {
			svc := newService()
			var phaseAtUnbind domain.Phase
			binder.OnUnbind = func(string) { phaseAtUnbind = svc.Phase() }

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Phase).To(Equal(domain.PhaseDone))
			Expect(out.Observed).To(Equal(domain.ModeIntegrated))
			Expect(phaseAtUnbind).To(Equal(domain.PhaseUnbinding))
			Expect(svc.Phase()).To(Equal(domain.PhaseIdle))

			Expect(binder.Ops()).To(Equal([]string{"unbind " + dgpuAddr, "unbind " + audioAddr}))
			Expect(binder.BlockedAtUnbind(dgpuAddr)).To(BeTrue())
			Expect(currentDriver(dgpuAddr)).To(BeEmpty())
			Expect(currentDriver(igpuAddr)).To(Equal("i915"))

			Expect(maps.BlockedAddress(dgpuKey())).To(BeTrue())
			Expect(maps.BlockedID(1)).To(BeTrue())
			Expect(maps.BlockedID(129)).To(BeTrue())
			Expect(maps.BlockedID(128)).To(BeFalse())
			Expect(enforce.Decide("renderD129", "dri", maps)).To(Equal(enforce.Deny))
			Expect(enforce.Decide("config", dgpuAddr, maps)).To(Equal(enforce.Deny))
			Expect(enforce.Decide("renderD128", "dri", maps)).To(Equal(enforce.Allow))

			Expect(svc.Mode(ctx)).To(Equal(domain.ModeIntegrated))

			cp, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			dc := cp.Device(dgpuAddr)
			Expect(dc.OriginalDriver).To(Equal("nvidia"))
			Expect(dc.SiblingDrivers).To(HaveKeyWithValue(audioAddr, "snd_hda_intel"))
			Expect(dc.BlockedIDs).To(Equal([]uint32{1, 129}))
		})

		It("is idempotent", func() {
			svc := newService()
			Expect(switchTo(svc, domain.ModeIntegrated).Err).NotTo(HaveOccurred())
			binder.ResetOps()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Observed).To(Equal(domain.ModeIntegrated))
			Expect(binder.Ops()).To(BeEmpty())

			cp, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.Device(dgpuAddr).OriginalDriver).To(Equal("nvidia"))
		})

		It("finishes the unbind when the dGPU is blocked but still driven", func() {
			svc := newService()
			toggled := svc.Switch(ctx, domain.SwitchRequest{GPU: &domain.GpuToggle{ID: 1, Enabled: true}})
			Expect(toggled.Err).NotTo(HaveOccurred())
			Expect(currentDriver(dgpuAddr)).To(Equal("nvidia"))
			binder.ResetOps()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Observed).To(Equal(domain.ModeIntegrated))
			Expect(binder.Ops()).To(Equal([]string{"unbind " + dgpuAddr, "unbind " + audioAddr}))
			Expect(currentDriver(dgpuAddr)).To(BeEmpty())
		})

		It("binds the stub driver when one is configured", func() {
			opts.StubDriver = "vfio-pci"
			binder.Stub = "vfio-pci"
			svc := newService()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(currentDriver(dgpuAddr)).To(Equal("vfio-pci"))
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeIntegrated))

			out = switchTo(svc, domain.ModeHybrid)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(currentDriver(dgpuAddr)).To(Equal("nvidia"))
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeHybrid))
		})

		It("keeps the dGPU blocked when unbinding fails", func() {
			binder.FailOn = "unbind " + dgpuAddr
			svc := newService()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Phase).To(Equal(domain.PhaseFailed))
			Expect(out.FailedIn).To(Equal(domain.PhaseUnbinding))
			Expect(domain.Kind(out.Err)).To(Equal(domain.KindDriverOperation))
			Expect(maps.BlockedAddress(dgpuKey())).To(BeTrue())
			Expect(enforce.Decide("renderD129", "dri", maps)).To(Equal(enforce.Deny))
			Expect(svc.Phase()).To(Equal(domain.PhaseIdle))
		})

		It("keeps an unbound dGPU blocked when the stub bind fails", func() {
			opts.StubDriver = "vfio-pci"
			binder.Stub = "vfio-pci"
			binder.FailOn = "bind " + dgpuAddr + " vfio-pci"
			svc := newService()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Phase).To(Equal(domain.PhaseFailed))
			Expect(out.FailedIn).To(Equal(domain.PhaseRebinding))
			Expect(currentDriver(dgpuAddr)).To(BeEmpty())
			Expect(maps.BlockedAddress(dgpuKey())).To(BeTrue())
		})

		It("refuses a dGPU sharing its IOMMU group with unrelated devices", func() {
			sys.AddFunction("0000:02:00.0", testutil.PCIFunction{Class: "0x010802", Vendor: "0x144d", Device: "0xa808", Driver: "nvme", IommuGroup: 2})
			svc := newService()

			out := switchTo(svc, domain.ModeIntegrated)
			Expect(out.Phase).To(Equal(domain.PhaseFailed))
			Expect(out.FailedIn).To(Equal(domain.PhaseValidating))
			Expect(domain.Kind(out.Err)).To(Equal(domain.KindTopology))

			var topo *domain.TopologyError
			Expect(errors.As(out.Err, &topo)).To(BeTrue())
			Expect(topo.Unexpected).To(ContainElement("0000:02:00.0"))

			Expect(binder.Ops()).To(BeEmpty())
			entries, err := maps.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
			Expect(currentDriver(dgpuAddr)).To(Equal("nvidia"))
		})
	})

	Context("switching back to hybrid", func() {
		It("rebinds drivers before lifting the block", func() {
			svc := newService()
			Expect(switchTo(svc, domain.ModeIntegrated).Err).NotTo(HaveOccurred())

			out := switchTo(svc, domain.ModeHybrid)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Observed).To(Equal(domain.ModeHybrid))

			Expect(maps.unboundAtUnblock).To(BeEmpty())
			Expect(currentDriver(dgpuAddr)).To(Equal("nvidia"))
			Expect(currentDriver(audioAddr)).To(Equal("snd_hda_intel"))
			entries, err := maps.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeHybrid))

			cp, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.Devices).NotTo(HaveKey(dgpuAddr))
		})

		It("does nothing on a host already in hybrid", func() {
			svc := newService()
			out := switchTo(svc, domain.ModeHybrid)
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Observed).To(Equal(domain.ModeHybrid))
			Expect(binder.Ops()).To(BeEmpty())
		})

		It("reverts to integrated when the block cannot be lifted", func() {
			svc := newService()
			Expect(switchTo(svc, domain.ModeIntegrated).Err).NotTo(HaveOccurred())
			maps.stuck[dgpuAddr] = true

			out := switchTo(svc, domain.ModeHybrid)
			Expect(out.Phase).To(Equal(domain.PhaseFailed))
			Expect(out.FailedIn).To(Equal(domain.PhaseVerifying))
			Expect(domain.Kind(out.Err)).To(Equal(domain.KindStateMismatch))

			var mismatch *domain.StateMismatchError
			Expect(errors.As(out.Err, &mismatch)).To(BeTrue())
			Expect(mismatch.Requested).To(Equal(domain.ModeHybrid))
			Expect(mismatch.Reverted).To(BeTrue())
			Expect(mismatch.RevertErr).NotTo(HaveOccurred())

			Expect(currentDriver(dgpuAddr)).To(BeEmpty())
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeIntegrated))
		})
	})

	It("rejects an unknown target mode", func() {
		svc := newService()
		out := switchTo(svc, domain.Mode("Hybrid"))
		Expect(out.Phase).To(Equal(domain.PhaseFailed))
		Expect(domain.Kind(out.Err)).To(Equal(domain.KindInvalidArgument))
		Expect(binder.Ops()).To(BeEmpty())
	})

	Context("toggling a single GPU", func() {
		It("blocks and unblocks without touching the driver", func() {
			svc := newService()

			dev, err := svc.Toggle(ctx, domain.GpuToggle{ID: 1, Enabled: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.IsBlocked).To(BeTrue())
			Expect(currentDriver(dgpuAddr)).To(Equal("nvidia"))
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeIntegrated))

			dev, err = svc.Toggle(ctx, domain.GpuToggle{ID: 1, Enabled: false})
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.IsBlocked).To(BeFalse())
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeHybrid))
			Expect(binder.Ops()).To(BeEmpty())
		})

		It("rejects an unknown id", func() {
			svc := newService()
			_, err := svc.Toggle(ctx, domain.GpuToggle{ID: 7, Enabled: true})
			Expect(domain.Kind(err)).To(Equal(domain.KindUnknownDevice))

			out := svc.Switch(ctx, domain.SwitchRequest{GPU: &domain.GpuToggle{ID: 7, Enabled: true}})
			Expect(out.Phase).To(Equal(domain.PhaseFailed))
			Expect(domain.Kind(out.Err)).To(Equal(domain.KindUnknownDevice))
		})

		It("refuses to block the default boot GPU", func() {
			svc := newService()
			_, err := svc.Toggle(ctx, domain.GpuToggle{ID: 0, Enabled: true})
			Expect(domain.Kind(err)).To(Equal(domain.KindInvalidArgument))
			Expect(maps.BlockedID(128)).To(BeFalse())
		})

		It("reports unknown after unblocking an undriven dGPU", func() {
			svc := newService()
			Expect(switchTo(svc, domain.ModeIntegrated).Err).NotTo(HaveOccurred())
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeIntegrated))

			_, err := svc.Toggle(ctx, domain.GpuToggle{ID: 1, Enabled: false})
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.Mode(ctx)).To(Equal(domain.ModeUnknown))
		})
	})

	It("realigns node ids after DRM renumbering", func() {
		svc := newService()
		_, err := svc.Toggle(ctx, domain.GpuToggle{ID: 1, Enabled: true})
		Expect(err).NotTo(HaveOccurred())

		drmDir := filepath.Join(sys.DevicePath(dgpuAddr), "drm")
		Expect(os.RemoveAll(drmDir)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(drmDir, "card2"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(drmDir, "renderD130"), 0o755)).To(Succeed())

		changed, err := svc.Resync(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(Equal(4))
		Expect(maps.BlockedID(130)).To(BeTrue())
		Expect(maps.BlockedID(2)).To(BeTrue())
		Expect(maps.BlockedID(129)).To(BeFalse())
		Expect(maps.BlockedID(1)).To(BeFalse())

		changed, err = svc.Resync(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeZero())
	})
})
