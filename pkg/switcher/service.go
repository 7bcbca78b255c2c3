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

package switcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/deckhouse/deckhouse/pkg/log"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Luytan/hybridmanager/pkg/adapters/driver"
	"github.com/Luytan/hybridmanager/pkg/common/steptaker"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/inventory"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/mode"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/handler"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/service"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const defaultSettleInterval = 500 * time.Millisecond

// Options wire the orchestrator to the host.
type Options struct {
	Inventory      service.Inventory
	Maps           enforce.Maps
	Binder         driver.Binder
	Checkpoints    service.Checkpoints
	StubDriver     string
	UnbindSiblings bool
	SettleInterval time.Duration
	Log            *log.Logger
}

// Service runs mode switches and block toggles. It is not safe for
// concurrent mutating calls; the daemon serializes them.
type Service struct {
	inventory      service.Inventory
	maps           enforce.Maps
	binder         driver.Binder
	checkpoints    service.Checkpoints
	stubDriver     string
	unbindSiblings bool
	settleInterval time.Duration
	log            *log.Logger

	phase atomic.Value
	now   func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		inventory:      opts.Inventory,
		maps:           opts.Maps,
		binder:         opts.Binder,
		checkpoints:    opts.Checkpoints,
		stubDriver:     opts.StubDriver,
		unbindSiblings: opts.UnbindSiblings,
		settleInterval: opts.SettleInterval,
		log:            opts.Log,
		now:            time.Now,
	}
	if s.settleInterval <= 0 {
		s.settleInterval = defaultSettleInterval
	}
	if s.log == nil {
		s.log = log.NewNop()
	}
	s.phase.Store(domain.PhaseIdle)
	return s
}

// Phase returns the state of the orchestration in flight, Idle otherwise.
func (s *Service) Phase() domain.Phase {
	return s.phase.Load().(domain.Phase)
}

func (s *Service) setPhase(phase domain.Phase) {
	s.phase.Store(phase)
}

// Devices returns the inventory with block flags derived from the maps.
func (s *Service) Devices(ctx context.Context) ([]domain.GpuDevice, error) {
	devices, entries, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return mode.Annotate(devices, entries), nil
}

// Mode returns the effective mode of the system.
func (s *Service) Mode(ctx context.Context) (domain.Mode, error) {
	devices, entries, err := s.snapshot(ctx)
	if err != nil {
		return domain.ModeUnknown, err
	}
	return mode.Effective(devices, entries, s.stubDriver), nil
}

func (s *Service) snapshot(ctx context.Context) ([]domain.GpuDevice, []domain.BlockEntry, error) {
	devices, err := s.inventory.Enumerate(ctx)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.maps.Entries()
	if err != nil {
		return nil, nil, fmt.Errorf("read enforcement maps: %w", err)
	}
	return devices, entries, nil
}

// Switch drives one request to a terminal phase. A request carrying a GPU
// toggle only touches the enforcement maps.
func (s *Service) Switch(ctx context.Context, req domain.SwitchRequest) domain.Outcome {
	out := domain.Outcome{Requested: req.Target, Started: s.now()}
	defer s.setPhase(domain.PhaseIdle)

	if req.GPU != nil {
		s.setPhase(domain.PhaseValidating)
		if _, err := s.Toggle(ctx, *req.GPU); err != nil {
			return s.finish(out, domain.PhaseValidating, domain.ModeUnknown, err)
		}
		observed, err := s.Mode(ctx)
		return s.finish(out, domain.PhaseVerifying, observed, err)
	}

	if _, err := domain.ParseMode(string(req.Target)); err != nil {
		return s.finish(out, domain.PhaseIdle, domain.ModeUnknown, err)
	}
	cp, err := s.checkpoints.Load(ctx)
	if err != nil {
		return s.finish(out, domain.PhaseIdle, domain.ModeUnknown, fmt.Errorf("load checkpoint: %w", err))
	}

	switchLog := s.log.With(logger.SlogController("switch"), "target", req.Target)
	switchLog.Info("mode switch started")
	st := state.New(req.Target, &cp, s.setPhase)
	_, err = s.pipeline(req.Target, switchLog).Run(ctx, st)

	var mismatch *domain.StateMismatchError
	if errors.As(err, &mismatch) {
		s.revert(ctx, st.Previous(), req.Target, mismatch, switchLog)
	}
	out = s.finish(out, st.Phase(), st.Observed(), err)
	if err != nil {
		switchLog.Error("mode switch failed", "phase", out.FailedIn, logger.SlogErr(err))
	} else {
		switchLog.Info("mode switch done", "observed", out.Observed)
	}
	return out
}

func (s *Service) finish(out domain.Outcome, last domain.Phase, observed domain.Mode, err error) domain.Outcome {
	out.Observed = observed
	out.Finished = s.now()
	if err != nil {
		out.Phase = domain.PhaseFailed
		out.FailedIn = last
		out.Err = err
	} else {
		out.Phase = domain.PhaseDone
	}
	s.setPhase(out.Phase)
	return out
}

// revert makes one best-effort attempt to return to the previous canonical
// mode. Its result is attached to the mismatch error.
func (s *Service) revert(ctx context.Context, previous, target domain.Mode, mismatch *domain.StateMismatchError, switchLog *log.Logger) {
	if previous == target || (previous != domain.ModeIntegrated && previous != domain.ModeHybrid) {
		return
	}
	cp, err := s.checkpoints.Load(ctx)
	if err != nil {
		mismatch.RevertErr = fmt.Errorf("load checkpoint: %w", err)
		return
	}
	revertLog := switchLog.With("revert", previous)
	revertLog.Warn("reverting mode switch")
	st := state.New(previous, &cp, s.setPhase)
	if _, err := s.pipeline(previous, revertLog).Run(ctx, st); err != nil {
		mismatch.RevertErr = err
		revertLog.Error("revert failed", logger.SlogErr(err))
		return
	}
	mismatch.Reverted = true
}

// pipeline orders the steps so that a device is never unblocked while it
// has no driver: towards integrated the block precedes the unbind, towards
// hybrid the rebind precedes the unblock.
func (s *Service) pipeline(target domain.Mode, l *log.Logger) steptaker.StepTakers[state.State] {
	validate := handler.NewValidateHandler(s.inventory, s.maps, s.stubDriver, s.unbindSiblings)
	unbind := handler.NewUnbindHandler(s.binder, s.stubDriver)
	rebind := handler.NewRebindHandler(s.binder, s.stubDriver)
	settle := handler.NewSettleHandler(s.binder, s.stubDriver)
	verify := handler.NewVerifyHandler(s.inventory, s.maps, s.stubDriver, s.settleInterval)

	if target == domain.ModeIntegrated {
		return handler.NewSteps(l,
			validate,
			handler.NewBlockHandler(s.maps, s.checkpoints, s.stubDriver),
			unbind,
			rebind,
			settle,
			verify,
		)
	}
	return handler.NewSteps(l,
		validate,
		unbind,
		rebind,
		settle,
		handler.NewUnblockHandler(s.inventory, s.maps, s.checkpoints),
		verify,
	)
}

// Toggle blocks or unblocks a single GPU in the maps without touching its
// driver. The default boot GPU cannot be blocked.
func (s *Service) Toggle(ctx context.Context, toggle domain.GpuToggle) (domain.GpuDevice, error) {
	devices, err := s.inventory.Enumerate(ctx)
	if err != nil {
		return domain.GpuDevice{}, err
	}
	dev, ok := inventory.Lookup(devices, toggle.ID)
	if !ok {
		return domain.GpuDevice{}, &domain.UnknownDeviceError{ID: toggle.ID}
	}
	if dev.IsDefaultBootGPU && toggle.Enabled {
		return dev, &domain.InvalidArgumentError{
			Argument: "id",
			Value:    strconv.FormatUint(uint64(toggle.ID), 10),
			Reason:   "the default boot GPU cannot be blocked",
		}
	}

	cp, err := s.checkpoints.Load(ctx)
	if err != nil {
		return dev, fmt.Errorf("load checkpoint: %w", err)
	}
	dc := cp.Device(dev.Address)
	entries := mode.Entries(dev, toggle.Enabled)
	if toggle.Enabled {
		dc.BlockedIDs = sets.List(sets.New(dc.BlockedIDs...).Insert(dev.NodeIDs()...))
	} else {
		for _, id := range dc.BlockedIDs {
			entries = append(entries, domain.BlockEntry{Kind: domain.BlockByID, ID: id})
		}
		dc.BlockedIDs = nil
	}
	cp.SetDevice(dev.Address, dc)

	s.log.Info("gpu block toggled", logger.SlogGPU(dev.ID, dev.Address), "enabled", toggle.Enabled)
	if err := enforce.Apply(s.maps, entries); err != nil {
		return dev, fmt.Errorf("toggle %s: %w", dev.Address, err)
	}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		return dev, fmt.Errorf("save checkpoint: %w", err)
	}

	current, err := s.maps.Entries()
	if err != nil {
		return dev, fmt.Errorf("read enforcement maps: %w", err)
	}
	dev.IsBlocked = mode.IsBlocked(dev, current)
	return dev, nil
}

// Resync realigns node id entries with the current DRM numbering of every
// GPU blocked by address. It returns the number of entries changed.
func (s *Service) Resync(ctx context.Context) (int, error) {
	devices, entries, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	cp, err := s.checkpoints.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	blockedAddrs := sets.New[string]()
	for _, e := range entries {
		if e.Enabled && e.Kind == domain.BlockByPCIAddress {
			blockedAddrs.Insert(e.Address)
		}
	}
	wanted := sets.New[uint32]()
	for _, dev := range inventory.Blockable(devices) {
		if blockedAddrs.Has(dev.Address) {
			wanted.Insert(dev.NodeIDs()...)
		}
	}

	changed := 0
	for _, dev := range inventory.Blockable(devices) {
		if !blockedAddrs.Has(dev.Address) {
			continue
		}
		dc := cp.Device(dev.Address)
		for _, id := range dc.BlockedIDs {
			if wanted.Has(id) {
				continue
			}
			if err := s.maps.SetID(id, false); err != nil {
				return changed, err
			}
			changed++
		}
		for _, id := range dev.NodeIDs() {
			if s.maps.BlockedID(id) {
				continue
			}
			if err := s.maps.SetID(id, true); err != nil {
				return changed, err
			}
			changed++
		}
		dc.BlockedIDs = dev.NodeIDs()
		cp.SetDevice(dev.Address, dc)
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		return changed, fmt.Errorf("save checkpoint: %w", err)
	}
	s.log.Info("enforcement resynced", "changed", changed)
	return changed, nil
}
