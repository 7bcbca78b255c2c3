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

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/mode"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/service"
	"github.com/Luytan/hybridmanager/pkg/switcher/internal/state"
)

const unblockHandlerName = "Unblock"

// UnblockHandler disables the block entries of every target once its
// driver is back. Node ids are taken from a fresh inventory plus the ids
// remembered at block time.
type UnblockHandler struct {
	inventory   service.Inventory
	maps        enforce.Maps
	checkpoints service.Checkpoints
}

func NewUnblockHandler(inventory service.Inventory, maps enforce.Maps, checkpoints service.Checkpoints) *UnblockHandler {
	return &UnblockHandler{inventory: inventory, maps: maps, checkpoints: checkpoints}
}

func (h *UnblockHandler) Name() string {
	return unblockHandlerName
}

func (h *UnblockHandler) Phase() domain.Phase {
	return domain.PhaseRebinding
}

func (h *UnblockHandler) Handle(ctx context.Context, st state.State) error {
	devices, err := h.inventory.Enumerate(ctx)
	if err != nil {
		return err
	}
	st.SetDevices(devices)

	cp := st.Checkpoint()
	for _, dev := range st.Targets() {
		entries := mode.Entries(dev, false)
		for _, id := range cp.Device(dev.Address).BlockedIDs {
			entries = append(entries, domain.BlockEntry{Kind: domain.BlockByID, ID: id})
		}
		if err := enforce.Apply(h.maps, entries); err != nil {
			return fmt.Errorf("unblock %s: %w", dev.Address, err)
		}
		cp.SetDevice(dev.Address, domain.DeviceCheckpoint{})
	}
	if err := h.checkpoints.Save(ctx, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
