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

package state

import (
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
)

// State is the scratch space of one orchestration.
type State interface {
	Target() domain.Mode
	Phase() domain.Phase
	SetPhase(phase domain.Phase)
	Devices() []domain.GpuDevice
	SetDevices(devices []domain.GpuDevice)
	// Targets are the blockable GPUs of the last inventory.
	Targets() []domain.GpuDevice
	Siblings(addr string) []pci.Device
	SetSiblings(addr string, siblings []pci.Device)
	Previous() domain.Mode
	SetPrevious(m domain.Mode)
	Observed() domain.Mode
	SetObserved(m domain.Mode)
	Checkpoint() *domain.Checkpoint
}

type state struct {
	target     domain.Mode
	phase      domain.Phase
	onPhase    func(domain.Phase)
	devices    []domain.GpuDevice
	siblings   map[string][]pci.Device
	previous   domain.Mode
	observed   domain.Mode
	checkpoint *domain.Checkpoint
}

// New initializes the state for one orchestration. onPhase may be nil.
func New(target domain.Mode, checkpoint *domain.Checkpoint, onPhase func(domain.Phase)) State {
	if checkpoint == nil {
		checkpoint = &domain.Checkpoint{Version: domain.CheckpointVersion}
	}
	return &state{
		target:     target,
		phase:      domain.PhaseIdle,
		onPhase:    onPhase,
		siblings:   map[string][]pci.Device{},
		previous:   domain.ModeUnknown,
		observed:   domain.ModeUnknown,
		checkpoint: checkpoint,
	}
}

func (s *state) Target() domain.Mode {
	return s.target
}

func (s *state) Phase() domain.Phase {
	return s.phase
}

func (s *state) SetPhase(phase domain.Phase) {
	if s.phase == phase {
		return
	}
	s.phase = phase
	if s.onPhase != nil {
		s.onPhase(phase)
	}
}

func (s *state) Devices() []domain.GpuDevice {
	return s.devices
}

func (s *state) SetDevices(devices []domain.GpuDevice) {
	s.devices = devices
}

func (s *state) Targets() []domain.GpuDevice {
	targets := make([]domain.GpuDevice, 0, len(s.devices))
	for _, dev := range s.devices {
		if !dev.IsDefaultBootGPU {
			targets = append(targets, dev)
		}
	}
	return targets
}

func (s *state) Siblings(addr string) []pci.Device {
	return s.siblings[addr]
}

func (s *state) SetSiblings(addr string, siblings []pci.Device) {
	s.siblings[addr] = siblings
}

func (s *state) Previous() domain.Mode {
	return s.previous
}

func (s *state) SetPrevious(m domain.Mode) {
	s.previous = m
}

func (s *state) Observed() domain.Mode {
	return s.observed
}

func (s *state) SetObserved(m domain.Mode) {
	s.observed = m
}

func (s *state) Checkpoint() *domain.Checkpoint {
	return s.checkpoint
}
