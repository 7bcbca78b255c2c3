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

package domain

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GpuDevice is one PCI display function as seen by a single inventory scan.
type GpuDevice struct {
	// ID is the enumeration index by ascending PCI address.
	ID uint32
	// Address is the canonical 12-character PCI address, e.g. 0000:01:00.0.
	Address   string
	Name      string
	VendorID  string
	DeviceID  string
	ClassCode string
	// Driver is the currently bound kernel driver, empty when unbound.
	Driver string
	// RenderNode and CardNode are /dev/dri paths, empty when absent.
	RenderNode       string
	CardNode         string
	IsDefaultBootGPU bool
	IsBlocked        bool
	// IommuGroup is the IOMMU group number, -1 when the device has none.
	IommuGroup int
}

// NodeIDs returns the DRM node numbers of the device: the render minor and
// the card index, in that order, skipping absent nodes.
func (d GpuDevice) NodeIDs() []uint32 {
	ids := make([]uint32, 0, 2)
	if id, ok := NodeNumber(d.RenderNode, "renderD"); ok {
		ids = append(ids, id)
	}
	if id, ok := NodeNumber(d.CardNode, "card"); ok {
		ids = append(ids, id)
	}
	return ids
}

// NodeNumber parses the numeric suffix of a DRM node path with the given prefix.
func NodeNumber(path, prefix string) (uint32, bool) {
	if path == "" {
		return 0, false
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(base, prefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// IommuGroup is the set of PCI addresses sharing one IOMMU group.
type IommuGroup struct {
	Number  int
	Members []string
}

// Mode is the system-wide GPU access mode.
type Mode string

const (
	ModeIntegrated    Mode = "integrated"
	ModeHybrid        Mode = "hybrid"
	ModeTransitioning Mode = "transitioning"
	ModeUnknown       Mode = "unknown"
)

// SwitchableModes lists the modes a client may request.
func SwitchableModes() []Mode {
	return []Mode{ModeIntegrated, ModeHybrid}
}

// ParseMode accepts exactly "integrated" or "hybrid".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeIntegrated, ModeHybrid:
		return Mode(s), nil
	default:
		return "", &InvalidArgumentError{Argument: "mode", Value: s, Reason: `expected "integrated" or "hybrid"`}
	}
}

func (m Mode) String() string {
	return string(m)
}

// BlockKind distinguishes the two enforcement maps.
type BlockKind int

const (
	BlockByID BlockKind = iota
	BlockByPCIAddress
)

func (k BlockKind) String() string {
	switch k {
	case BlockByID:
		return "id"
	case BlockByPCIAddress:
		return "pci"
	default:
		return "unknown"
	}
}

// BlockEntry mirrors one enforcement map entry. Disabled entries are
// equivalent to absent ones.
type BlockEntry struct {
	Kind    BlockKind
	ID      uint32
	Address string
	Enabled bool
}

// GpuToggle is a fine-grained block change for a single GPU.
type GpuToggle struct {
	ID      uint32
	Enabled bool
}

// SwitchRequest lives for the duration of one orchestration call.
type SwitchRequest struct {
	Target Mode
	GPU    *GpuToggle
}

// Phase is the orchestrator state.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseValidating Phase = "Validating"
	PhaseUnbinding  Phase = "Unbinding"
	PhaseRebinding  Phase = "Rebinding"
	PhaseVerifying  Phase = "Verifying"
	PhaseDone       Phase = "Done"
	PhaseFailed     Phase = "Failed"
)

// Terminal reports whether the phase ends an orchestration.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Outcome is the terminal record of one orchestration.
type Outcome struct {
	Requested Mode
	Phase     Phase
	// FailedIn is the phase that was active when the switch failed.
	FailedIn Phase
	Observed Mode
	Err      error
	Started  time.Time
	Finished time.Time
}
