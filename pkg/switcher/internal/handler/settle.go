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
	"errors"

	"github.com/Luytan/hybridmanager/pkg/adapters/driver"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const settleHandlerName = "Settle"

// SettleHandler waits, bounded by the binder's settle timeout, until every
// target reaches the binding its mode requires.
type SettleHandler struct {
	binder     driver.Binder
	stubDriver string
}

func NewSettleHandler(binder driver.Binder, stubDriver string) *SettleHandler {
	return &SettleHandler{binder: binder, stubDriver: stubDriver}
}

func (h *SettleHandler) Name() string {
	return settleHandlerName
}

func (h *SettleHandler) Phase() domain.Phase {
	return domain.PhaseRebinding
}

func (h *SettleHandler) Handle(ctx context.Context, st state.State) error {
	for _, dev := range st.Targets() {
		switch {
		case st.Target() == domain.ModeIntegrated && h.stubDriver == "":
			if err := h.binder.WaitUnbound(ctx, dev.Address); err != nil {
				return err
			}
		case st.Target() == domain.ModeIntegrated:
			if _, err := h.binder.WaitBound(ctx, dev.Address, h.stubDriver); err != nil {
				return err
			}
		default:
			bound, err := h.binder.WaitBound(ctx, dev.Address, "")
			if err != nil {
				return err
			}
			if h.stubDriver != "" && bound == h.stubDriver {
				return &domain.DriverOperationError{Op: "settle", Address: dev.Address, Driver: bound, Err: errors.New("still bound to the stub driver")}
			}
		}
	}
	return nil
}
