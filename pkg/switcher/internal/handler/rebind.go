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
	"sort"

	"github.com/Luytan/hybridmanager/pkg/adapters/driver"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const rebindHandlerName = "Rebind"

// RebindHandler attaches the driver each target should end up with: the
// stub (if any) towards integrated, the recorded original driver or a
// kernel probe towards hybrid.
type RebindHandler struct {
	binder     driver.Binder
	stubDriver string
}

func NewRebindHandler(binder driver.Binder, stubDriver string) *RebindHandler {
	return &RebindHandler{binder: binder, stubDriver: stubDriver}
}

func (h *RebindHandler) Name() string {
	return rebindHandlerName
}

func (h *RebindHandler) Phase() domain.Phase {
	return domain.PhaseRebinding
}

func (h *RebindHandler) Handle(ctx context.Context, st state.State) error {
	if st.Target() == domain.ModeIntegrated {
		if h.stubDriver == "" {
			return nil
		}
		for _, dev := range st.Targets() {
			if err := h.binder.Bind(dev.Address, h.stubDriver); err != nil {
				return err
			}
		}
		return nil
	}

	log := logger.FromContext(ctx)
	cp := st.Checkpoint()
	for _, dev := range st.Targets() {
		dc := cp.Device(dev.Address)
		if err := h.restore(dev.Address, dc.OriginalDriver); err != nil {
			return err
		}
		siblings := make([]string, 0, len(dc.SiblingDrivers))
		for addr := range dc.SiblingDrivers {
			siblings = append(siblings, addr)
		}
		sort.Strings(siblings)
		for _, addr := range siblings {
			if err := h.restore(addr, dc.SiblingDrivers[addr]); err != nil {
				log.Warn("sibling driver not restored", "pci", addr, logger.SlogErr(err))
			}
		}
	}
	return nil
}

func (h *RebindHandler) restore(addr, original string) error {
	current, err := h.binder.Driver(addr)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}
	if original == "" {
		return h.binder.Probe(addr)
	}
	return h.binder.Bind(addr, original)
}
