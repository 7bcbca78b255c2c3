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

package handler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/mode"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/service"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const verifyHandlerName = "Verify"

// VerifyHandler recomputes the mode from a fresh inventory and the live
// maps. One re-check after the settle interval absorbs kernel delays.
type VerifyHandler struct {
	inventory      service.Inventory
	maps           enforce.Maps
	stubDriver     string
	settleInterval time.Duration
}

func NewVerifyHandler(inventory service.Inventory, maps enforce.Maps, stubDriver string, settleInterval time.Duration) *VerifyHandler {
	return &VerifyHandler{
		inventory:      inventory,
		maps:           maps,
		stubDriver:     stubDriver,
		settleInterval: settleInterval,
	}
}

func (h *VerifyHandler) Name() string {
	return verifyHandlerName
}

func (h *VerifyHandler) Phase() domain.Phase {
	return domain.PhaseVerifying
}

func (h *VerifyHandler) Handle(ctx context.Context, st state.State) error {
	observed, err := h.observe(ctx, st)
	if err != nil {
		return err
	}
	if observed != st.Target() {
		logger.FromContext(ctx).Info("mode not settled, re-checking", "observed", observed, "after", h.settleInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.settleInterval):
		}
		if observed, err = h.observe(ctx, st); err != nil {
			return err
		}
	}

	st.SetObserved(observed)
	if observed != st.Target() {
		return &domain.StateMismatchError{Requested: st.Target(), Observed: observed}
	}
	return nil
}

func (h *VerifyHandler) observe(ctx context.Context, st state.State) (domain.Mode, error) {
	devices, err := h.inventory.Enumerate(ctx)
	if err != nil {
		return domain.ModeUnknown, err
	}
	entries, err := h.maps.Entries()
	if err != nil {
		return domain.ModeUnknown, fmt.Errorf("read enforcement maps: %w", err)
	}
	st.SetDevices(mode.Annotate(devices, entries))

	m := mode.Effective(devices, entries, h.stubDriver)
	if m != domain.ModeIntegrated {
		return m, nil
	}
	for _, dev := range st.Targets() {
		if !enforced(dev, h.maps) {
			return domain.ModeUnknown, nil
		}
	}
	return m, nil
}

// enforced asks the matcher whether every node of dev is denied.
func enforced(dev domain.GpuDevice, lookup enforce.Lookup) bool {
	if enforce.Decide("config", dev.Address, lookup) != enforce.Deny {
		return false
	}
	for _, node := range []string{dev.RenderNode, dev.CardNode} {
		if node == "" {
			continue
		}
		if enforce.Decide(filepath.Base(node), "dri", lookup) != enforce.Deny {
			return false
		}
	}
	return true
}
