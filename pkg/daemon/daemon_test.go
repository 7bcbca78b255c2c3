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

package daemon_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Luytan/hybridmanager/pkg/adapters/checkpoint/file"
	"github.com/Luytan/hybridmanager/pkg/common/testutil"
	"github.com/Luytan/hybridmanager/pkg/daemon"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/inventory"
	"github.com/Luytan/hybridmanager/pkg/switcher"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
	"github.com/Luytan/hybridmanager/pkg/trigger"
)

type fakeSwitcher struct {
	mu       sync.Mutex
	mode     domain.Mode
	devices  []domain.GpuDevice
	entered  chan struct{}
	release  chan struct{}
	reading  chan struct{}
	resume   chan struct{}
	fail     error
	requests []domain.SwitchRequest
	ctxErrs  []error
	resyncs  int
}

func (f *fakeSwitcher) Devices(context.Context) ([]domain.GpuDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.GpuDevice(nil), f.devices...), nil
}

func (f *fakeSwitcher) Mode(context.Context) (domain.Mode, error) {
	f.mu.Lock()
	reading, resume := f.reading, f.resume
	f.mu.Unlock()

	if reading != nil {
		reading <- struct{}{}
	}
	if resume != nil {
		<-resume
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, nil
}

func (f *fakeSwitcher) Switch(ctx context.Context, req domain.SwitchRequest) domain.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	out := domain.Outcome{Requested: req.Target, Started: time.Now(), Finished: time.Now()}
	if f.fail != nil {
		out.Phase, out.FailedIn, out.Err = domain.PhaseFailed, domain.PhaseValidating, f.fail
		return out
	}
	if req.GPU == nil {
		f.mode = req.Target
	}
	out.Phase, out.Observed = domain.PhaseDone, f.mode
	return out
}

func (f *fakeSwitcher) Resync(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++
	return 0, nil
}

func (f *fakeSwitcher) Requests() []domain.SwitchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SwitchRequest(nil), f.requests...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (r *fakeRecorder) RecordSwitch(out domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

var _ = Describe("Daemon", func() {
	var (
		ctx       context.Context
		sw        *fakeSwitcher
		store     *file.Store
		recorder  *fakeRecorder
		persisted []domain.Mode
		d         *daemon.Daemon
	)

	BeforeEach(func() {
		ctx = context.Background()
		sw = &fakeSwitcher{
			mode:    domain.ModeHybrid,
			devices: []domain.GpuDevice{{ID: 0, Address: "0000:00:02.0", IsDefaultBootGPU: true}, {ID: 1, Address: "0000:01:00.0"}},
		}
		store = file.New(filepath.Join(GinkgoT().TempDir(), "state.json"))
		recorder = &fakeRecorder{}
		persisted = nil
		d = daemon.New(daemon.Options{
			Switcher:    sw,
			Checkpoints: store,
			PersistMode: func(m domain.Mode) error {
				persisted = append(persisted, m)
				return nil
			},
			Metrics: recorder,
		})
	})

	It("lists the switchable modes", func() {
		Expect(d.ListModes()).To(Equal([]domain.Mode{domain.ModeIntegrated, domain.ModeHybrid}))
	})

	It("persists the mode and the outcome of a finished switch", func() {
		out, err := d.Set(ctx, "integrated")
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Phase).To(Equal(domain.PhaseDone))
		Expect(d.Get(ctx)).To(Equal(domain.ModeIntegrated))
		Expect(persisted).To(Equal([]domain.Mode{domain.ModeIntegrated}))
		Expect(recorder.outcomes).To(HaveLen(1))

		cp, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.LastOutcome).NotTo(BeNil())
		Expect(cp.LastOutcome.Requested).To(Equal(domain.ModeIntegrated))
		Expect(cp.LastOutcome.Phase).To(Equal(domain.PhaseDone))
	})

	It("does not persist a failed switch", func() {
		sw.fail = &domain.TopologyError{Address: "0000:01:00.0", Reason: "shared group"}

		out, err := d.Set(ctx, "integrated")
		Expect(domain.Kind(err)).To(Equal(domain.KindTopology))
		Expect(out.FailedIn).To(Equal(domain.PhaseValidating))
		Expect(persisted).To(BeEmpty())

		cp, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.LastOutcome.ErrorKind).To(Equal(domain.KindTopology))
	})

	It("rejects a malformed mode without switching", func() {
		_, err := d.Set(ctx, "discrete")
		Expect(domain.Kind(err)).To(Equal(domain.KindInvalidArgument))
		Expect(sw.Requests()).To(BeEmpty())
	})

	It("keeps switching when the caller goes away", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := d.Set(cancelled, "integrated")
		Expect(err).NotTo(HaveOccurred())
		Expect(sw.ctxErrs).To(Equal([]error{nil}))
	})

	It("passes a GPU toggle through without persisting a mode", func() {
		_, err := d.GpuBlock(ctx, 1, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(sw.Requests()).To(Equal([]domain.SwitchRequest{{GPU: &domain.GpuToggle{ID: 1, Enabled: true}}}))
		Expect(persisted).To(BeEmpty())
	})

	Context("while a switch is in flight", func() {
		var done chan error

		BeforeEach(func() {
			_, err := d.List(ctx)
			Expect(err).NotTo(HaveOccurred())

			sw.entered = make(chan struct{}, 1)
			sw.release = make(chan struct{})
			done = make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := d.Set(ctx, "integrated")
				done <- err
			}()
			Eventually(sw.entered).Should(Receive())
		})

		AfterEach(func() {
			close(sw.release)
			Eventually(done).Should(Receive(BeNil()))
		})

		It("rejects other mutating calls as busy", func() {
			_, err := d.Set(ctx, "hybrid")
			Expect(domain.Kind(err)).To(Equal(domain.KindBusy))
			var busy *domain.BusyError
			Expect(errors.As(err, &busy)).To(BeTrue())

			_, err = d.GpuBlock(ctx, 1, false)
			Expect(domain.Kind(err)).To(Equal(domain.KindBusy))
			Expect(sw.Requests()).To(HaveLen(1))
		})

		It("reports transitioning and serves the cached inventory", func() {
			Expect(d.Get(ctx)).To(Equal(domain.ModeTransitioning))
			devices, err := d.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(2))
		})

		It("skips resync", func() {
			Expect(d.Resync(ctx)).To(MatchError(trigger.ErrSkipped))
			sw.mu.Lock()
			defer sw.mu.Unlock()
			Expect(sw.resyncs).To(BeZero())
		})
	})

	Context("while a mode query is in flight", func() {
		It("accepts a switch", func() {
			sw.mu.Lock()
			sw.reading = make(chan struct{}, 1)
			sw.resume = make(chan struct{})
			sw.mu.Unlock()

			got := make(chan domain.Mode, 1)
			go func() {
				defer GinkgoRecover()
				m, err := d.Get(ctx)
				Expect(err).NotTo(HaveOccurred())
				got <- m
			}()
			Eventually(sw.reading).Should(Receive())

			out, err := d.Set(ctx, "integrated")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Phase).To(Equal(domain.PhaseDone))

			_, err = d.GpuBlock(ctx, 1, true)
			Expect(err).NotTo(HaveOccurred())

			close(sw.resume)
			Eventually(got).Should(Receive(Equal(domain.ModeIntegrated)))
		})
	})

	Context("at start", func() {
		It("applies the configured mode when the host differs", func() {
			Expect(d.Ready()).NotTo(Succeed())
			Expect(d.Start(ctx, domain.ModeIntegrated)).To(Succeed())
			Expect(d.Ready()).To(Succeed())
			Expect(sw.Requests()).To(Equal([]domain.SwitchRequest{{Target: domain.ModeIntegrated}}))
			Expect(persisted).To(BeEmpty())
		})

		It("leaves a host already in the configured mode alone", func() {
			Expect(d.Start(ctx, domain.ModeHybrid)).To(Succeed())
			Expect(sw.Requests()).To(BeEmpty())
			Expect(d.Ready()).To(Succeed())
		})

		It("stays ready when the configured mode cannot be applied", func() {
			sw.fail = &domain.DriverOperationError{Op: "unbind", Address: "0000:01:00.0", Err: errors.New("EBUSY")}
			err := d.Start(ctx, domain.ModeIntegrated)
			Expect(domain.Kind(err)).To(Equal(domain.KindDriverOperation))
			Expect(d.Ready()).To(Succeed())
		})
	})
})

var _ = Describe("Daemon on a switcher", func() {
	It("reports unknown when an integrated dGPU is unblocked without a rebind", func() {
		ctx := context.Background()
		sys := testutil.NewSysfs(GinkgoT())
		sys.AddFunction("0000:00:02.0", testutil.PCIFunction{Class: "0x030000", Vendor: "0x8086", Device: "0x46a6", Driver: "i915", BootVGA: true, IommuGroup: 0, DRM: []string{"card0", "renderD128"}})
		sys.AddFunction("0000:01:00.0", testutil.PCIFunction{Class: "0x030000", Vendor: "0x10de", Device: "0x25a2", Driver: "nvidia", IommuGroup: 1, DRM: []string{"card1", "renderD129"}})

		maps := enforce.NewMemoryMaps()
		store := file.New(filepath.Join(GinkgoT().TempDir(), "state.json"))
		svc := switcher.New(switcher.Options{
			Inventory:      inventory.NewScanner(pci.NewSysfsReader(sys.Root), nil, "/dev"),
			Maps:           maps,
			Binder:         testutil.NewBinder(sys, maps, map[string][]string{"0000:01:00.0": {"card1", "renderD129"}}),
			Checkpoints:    store,
			SettleInterval: time.Millisecond,
		})
		d := daemon.New(daemon.Options{Switcher: svc, Checkpoints: store})

		_, err := d.Set(ctx, "integrated")
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Get(ctx)).To(Equal(domain.ModeIntegrated))

		_, err = d.GpuBlock(ctx, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Get(ctx)).To(Equal(domain.ModeUnknown))

		devices, err := d.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(HaveLen(2))
		Expect(devices[1].IsBlocked).To(BeFalse())
		Expect(devices[1].Driver).To(BeEmpty())
	})
})
