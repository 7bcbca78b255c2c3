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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deckhouse/deckhouse/pkg/log"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/trigger"
)

// Switcher drives mode switches and block toggles.
type Switcher interface {
	Devices(ctx context.Context) ([]domain.GpuDevice, error)
	Mode(ctx context.Context) (domain.Mode, error)
	Switch(ctx context.Context, req domain.SwitchRequest) domain.Outcome
	Resync(ctx context.Context) (int, error)
}

// Checkpoints persists the last outcome next to the switch checkpoint.
type Checkpoints interface {
	Load(ctx context.Context) (domain.Checkpoint, error)
	Update(ctx context.Context, mutate func(*domain.Checkpoint)) error
}

// Recorder accounts terminal outcomes.
type Recorder interface {
	RecordSwitch(out domain.Outcome)
}

// Options wire the coordinator.
type Options struct {
	Switcher    Switcher
	Checkpoints Checkpoints
	// PersistMode stores the last requested mode so it is applied again at
	// start. Nil disables persistence.
	PersistMode func(domain.Mode) error
	Metrics     Recorder
	Log         *log.Logger
}

// Daemon is the single writer of the enforcement maps and the single issuer
// of driver operations. Mutating calls never queue: a call arriving while
// another is in flight fails with a BusyError.
type Daemon struct {
	switcher    Switcher
	checkpoints Checkpoints
	persistMode func(domain.Mode) error
	metrics     Recorder
	log         *log.Logger

	// op is held by mutating calls only. Queries read busy and never wait.
	op      sync.Mutex
	busy    atomic.Bool
	devices atomic.Pointer[[]domain.GpuDevice]
	ready   atomic.Bool
}

func New(opts Options) *Daemon {
	d := &Daemon{
		switcher:    opts.Switcher,
		checkpoints: opts.Checkpoints,
		persistMode: opts.PersistMode,
		metrics:     opts.Metrics,
		log:         opts.Log,
	}
	if d.log == nil {
		d.log = log.NewNop()
	}
	return d
}

// List returns the GPU inventory with block flags. While a mutating call is
// in flight the last known inventory is returned.
func (d *Daemon) List(ctx context.Context) ([]domain.GpuDevice, error) {
	if d.busy.Load() {
		if cached := d.devices.Load(); cached != nil {
			return append([]domain.GpuDevice(nil), (*cached)...), nil
		}
		return nil, &domain.BusyError{Operation: "list"}
	}
	return d.list(ctx)
}

func (d *Daemon) list(ctx context.Context) ([]domain.GpuDevice, error) {
	devices, err := d.switcher.Devices(ctx)
	if err != nil {
		return nil, err
	}
	d.devices.Store(&devices)
	return append([]domain.GpuDevice(nil), devices...), nil
}

// ListModes returns the modes accepted by Set.
func (d *Daemon) ListModes() []domain.Mode {
	return domain.SwitchableModes()
}

// Get returns the effective mode, or Transitioning while a mutating call
// is in flight.
func (d *Daemon) Get(ctx context.Context) (domain.Mode, error) {
	if d.busy.Load() {
		return domain.ModeTransitioning, nil
	}
	return d.switcher.Mode(ctx)
}

// acquire claims the operation slot without waiting.
func (d *Daemon) acquire() bool {
	if !d.op.TryLock() {
		return false
	}
	d.busy.Store(true)
	return true
}

func (d *Daemon) release() {
	d.busy.Store(false)
	d.op.Unlock()
}

// Set drives the host to mode and persists it as the configured mode once
// the switch is done. The switch is not cancelled when ctx is.
func (d *Daemon) Set(ctx context.Context, mode string) (domain.Outcome, error) {
	target, err := domain.ParseMode(mode)
	if err != nil {
		return domain.Outcome{Requested: domain.Mode(mode), Phase: domain.PhaseFailed, FailedIn: domain.PhaseIdle, Err: err}, err
	}
	if !d.acquire() {
		err := &domain.BusyError{Operation: "set"}
		return domain.Outcome{Requested: target, Phase: domain.PhaseFailed, FailedIn: domain.PhaseIdle, Err: err}, err
	}
	defer d.release()

	out := d.run(context.WithoutCancel(ctx), domain.SwitchRequest{Target: target})
	if out.Err != nil {
		return out, out.Err
	}
	if d.persistMode != nil {
		if err := d.persistMode(target); err != nil {
			d.log.Warn("configured mode not persisted", "mode", target, logger.SlogErr(err))
		}
	}
	return out, nil
}

// GpuBlock enables or disables the block entries of one GPU without a
// driver rebind.
func (d *Daemon) GpuBlock(ctx context.Context, id uint32, enabled bool) (domain.Outcome, error) {
	if !d.acquire() {
		err := &domain.BusyError{Operation: "gpu block"}
		return domain.Outcome{Phase: domain.PhaseFailed, FailedIn: domain.PhaseIdle, Err: err}, err
	}
	defer d.release()

	out := d.run(context.WithoutCancel(ctx), domain.SwitchRequest{GPU: &domain.GpuToggle{ID: id, Enabled: enabled}})
	return out, out.Err
}

func (d *Daemon) run(ctx context.Context, req domain.SwitchRequest) domain.Outcome {
	reqLog := d.log.With(logger.SlogController("daemon"))
	if req.GPU != nil {
		reqLog = reqLog.With(slog.Group("toggle", "id", req.GPU.ID, "enabled", req.GPU.Enabled))
	} else {
		reqLog = reqLog.With("target", req.Target)
	}
	reqLog.Info("request accepted")

	out := d.switcher.Switch(ctx, req)
	if d.metrics != nil {
		d.metrics.RecordSwitch(out)
	}
	if err := d.checkpoints.Update(ctx, func(cp *domain.Checkpoint) { cp.LastOutcome = out.Record() }); err != nil {
		reqLog.Warn("outcome not recorded", logger.SlogErr(err))
	}
	if _, err := d.list(ctx); err != nil {
		reqLog.Warn("inventory refresh failed", logger.SlogErr(err))
	}

	if out.Err != nil {
		reqLog.Error("request failed", "phase", out.Phase, "failed_in", out.FailedIn, "kind", domain.Kind(out.Err), logger.SlogErr(out.Err))
	} else {
		reqLog.Info("request finished", "phase", out.Phase, "observed", out.Observed, "took", out.Finished.Sub(out.Started).Round(time.Millisecond))
	}
	return out
}

// Resync realigns node id entries after DRM renumbering. It returns
// trigger.ErrSkipped while a mutating call is in flight.
func (d *Daemon) Resync(ctx context.Context) error {
	if !d.acquire() {
		return trigger.ErrSkipped
	}
	defer d.release()

	changed, err := d.switcher.Resync(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if changed > 0 {
		if _, err := d.list(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start logs the previous outcome and applies the configured mode when the
// effective mode differs. A failure leaves the daemon serving requests.
func (d *Daemon) Start(ctx context.Context, configured domain.Mode) error {
	defer d.ready.Store(true)

	if cp, err := d.checkpoints.Load(ctx); err != nil {
		d.log.Warn("checkpoint unreadable", logger.SlogErr(err))
	} else if last := cp.LastOutcome; last != nil {
		d.log.Info("previous outcome", "requested", last.Requested, "phase", last.Phase, "failed_in", last.FailedIn, "error", last.Error)
	}

	current, err := d.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := domain.ParseMode(string(configured)); err != nil || current == configured {
		d.log.Info("mode at start", "mode", current, "configured", configured)
		return nil
	}

	d.log.Info("applying configured mode", "mode", current, "configured", configured)
	if !d.acquire() {
		return &domain.BusyError{Operation: "start"}
	}
	defer d.release()
	if out := d.run(context.WithoutCancel(ctx), domain.SwitchRequest{Target: configured}); out.Err != nil {
		return fmt.Errorf("apply configured mode %s: %w", configured, out.Err)
	}
	return nil
}

// Ready reports an error until Start has run.
func (d *Daemon) Ready() error {
	if !d.ready.Load() {
		return errors.New("daemon is starting")
	}
	return nil
}

// Watch resyncs enforcement whenever the sources report device changes.
func (d *Daemon) Watch(ctx context.Context, sources []trigger.Source, quietPeriod time.Duration) error {
	resyncer := trigger.NewResyncer(d.log.With(logger.SlogController("resync")), quietPeriod)
	return resyncer.Run(ctx, sources, d.Resync)
}
