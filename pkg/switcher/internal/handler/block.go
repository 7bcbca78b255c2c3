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

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/mode"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/service"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const blockHandlerName = "Block"

// BlockHandler records what must be restored later and enables the block
// entries of every target. It runs before any driver is unbound.
type BlockHandler struct {
	maps        enforce.Maps
	checkpoints service.Checkpoints
	stubDriver  string
}

func NewBlockHandler(maps enforce.Maps, checkpoints service.Checkpoints, stubDriver string) *BlockHandler {
	return &BlockHandler{maps: maps, checkpoints: checkpoints, stubDriver: stubDriver}
}

func (h *BlockHandler) Name() string {
	return blockHandlerName
}

func (h *BlockHandler) Phase() domain.Phase {
	return domain.PhaseUnbinding
}

func (h *BlockHandler) Handle(ctx context.Context, st state.State) error {
	cp := st.Checkpoint()
	for _, dev := range st.Targets() {
		dc := cp.Device(dev.Address)
		if dev.Driver != "" && dev.Driver != h.stubDriver {
			dc.OriginalDriver = dev.Driver
		}
		for _, sib := range st.Siblings(dev.Address) {
			if sib.DriverName == "" {
				continue
			}
			if dc.SiblingDrivers == nil {
				dc.SiblingDrivers = map[string]string{}
			}
			dc.SiblingDrivers[sib.Address] = sib.DriverName
		}
		dc.BlockedIDs = sets.List(sets.New(dc.BlockedIDs...).Insert(dev.NodeIDs()...))
		cp.SetDevice(dev.Address, dc)
	}
	if err := h.checkpoints.Save(ctx, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	for _, dev := range st.Targets() {
		if err := enforce.Apply(h.maps, mode.Entries(dev, true)); err != nil {
			return fmt.Errorf("block %s: %w", dev.Address, err)
		}
	}
	return nil
}
