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
	"slices"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/mode"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/service"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const validateHandlerName = "Validate"

// ValidateHandler re-runs the inventory and refuses to touch GPUs whose
// IOMMU group holds unrelated devices.
type ValidateHandler struct {
	inventory      service.Inventory
	maps           enforce.Maps
	stubDriver     string
	unbindSiblings bool
}

func NewValidateHandler(inventory service.Inventory, maps enforce.Maps, stubDriver string, unbindSiblings bool) *ValidateHandler {
	return &ValidateHandler{
		inventory:      inventory,
		maps:           maps,
		stubDriver:     stubDriver,
		unbindSiblings: unbindSiblings,
	}
}

func (h *ValidateHandler) Name() string {
	return validateHandlerName
}

func (h *ValidateHandler) Phase() domain.Phase {
	return domain.PhaseValidating
}

func (h *ValidateHandler) Handle(ctx context.Context, st state.State) error {
	devices, err := h.inventory.Enumerate(ctx)
	if err != nil {
		return err
	}
	entries, err := h.maps.Entries()
	if err != nil {
		return fmt.Errorf("read enforcement maps: %w", err)
	}
	st.SetDevices(mode.Annotate(devices, entries))
	st.SetPrevious(mode.Effective(devices, entries, h.stubDriver))

	targets := st.Targets()
	if len(targets) == 0 && st.Target() == domain.ModeIntegrated {
		return &domain.TopologyError{Reason: "no switchable GPU found"}
	}
	for _, dev := range targets {
		if _, err := h.inventory.ValidateIsolation(ctx, dev.Address); err != nil {
			return err
		}
		if !h.unbindSiblings {
			continue
		}
		siblings, err := h.inventory.Siblings(ctx, dev.Address)
		if err != nil {
			return err
		}
		st.SetSiblings(dev.Address, siblings)
	}

	if h.settled(st, entries) {
		st.SetObserved(st.Target())
		return fmt.Errorf("host is already %s: %w", st.Target(), ErrStopHandlerChain)
	}
	return nil
}

// settled reports whether the host already is in the target mode with
// nothing left to do. A blocked dGPU that still has its driver, or a sibling
// that is still bound, is not settled for integrated.
func (h *ValidateHandler) settled(st state.State, entries []domain.BlockEntry) bool {
	if st.Previous() != st.Target() {
		return false
	}
	if st.Target() != domain.ModeIntegrated {
		return true
	}
	for _, dev := range st.Targets() {
		if dev.Driver != h.stubDriver {
			return false
		}
		for _, want := range mode.Entries(dev, true) {
			if !slices.Contains(entries, want) {
				return false
			}
		}
		for _, sibling := range st.Siblings(dev.Address) {
			if sibling.DriverName != "" {
				return false
			}
		}
	}
	return true
}
