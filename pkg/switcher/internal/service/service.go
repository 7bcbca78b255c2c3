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

package service

import (
	"context"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
)

// Inventory is the read path the orchestrator re-runs before and after
// every state change.
type Inventory interface {
	Enumerate(ctx context.Context) ([]domain.GpuDevice, error)
	ValidateIsolation(ctx context.Context, addr string) (domain.IommuGroup, error)
	Siblings(ctx context.Context, addr string) ([]pci.Device, error)
}

// Checkpoints persists the daemon checkpoint.
type Checkpoints interface {
	Load(ctx context.Context) (domain.Checkpoint, error)
	Save(ctx context.Context, checkpoint domain.Checkpoint) error
}
