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

	"github.com/Luytan/hybridmanager/pkg/adapters/driver"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const unbindHandlerName = "Unbind"

// UnbindHandler detaches drivers one function at a time. Towards
// integrated every target and its recorded siblings are unbound; towards
// hybrid only targets held by the stub driver are released.
type UnbindHandler struct {
	binder     driver.Binder
	stubDriver string
}

func NewUnbindHandler(binder driver.Binder, stubDriver string) *UnbindHandler {
	return &UnbindHandler{binder: binder, stubDriver: stubDriver}
}

func (h *UnbindHandler) Name() string {
	return unbindHandlerName
}

func (h *UnbindHandler) Phase() domain.Phase {
	return domain.PhaseUnbinding
}

func (h *UnbindHandler) Handle(ctx context.Context, st state.State) error {
	log := logger.FromContext(ctx)
	for _, dev := range st.Targets() {
		addrs := []string{dev.Address}
		if st.Target() == domain.ModeIntegrated {
			for _, sib := range st.Siblings(dev.Address) {
				addrs = append(addrs, sib.Address)
			}
		}
		for _, addr := range addrs {
			current, err := h.binder.Driver(addr)
			if err != nil {
				return err
			}
			if !h.shouldUnbind(st.Target(), current) {
				continue
			}
			log.Info("unbinding driver", "pci", addr, "driver", current)
			if err := h.binder.Unbind(addr); err != nil {
				return err
			}
			if err := h.binder.WaitUnbound(ctx, addr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *UnbindHandler) shouldUnbind(target domain.Mode, current string) bool {
	if current == "" {
		return false
	}
	if target == domain.ModeIntegrated {
		return h.stubDriver == "" || current != h.stubDriver
	}
	return h.stubDriver != "" && current == h.stubDriver
}
