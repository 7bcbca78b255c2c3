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

package mode

import (
	"testing"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

func laptop() []domain.GpuDevice {
	return []domain.GpuDevice{
		{ID: 0, Address: "0000:00:02.0", Driver: "i915", RenderNode: "/dev/dri/renderD128", CardNode: "/dev/dri/card0", IsDefaultBootGPU: true},
		{ID: 1, Address: "0000:01:00.0", Driver: "nvidia", RenderNode: "/dev/dri/renderD129", CardNode: "/dev/dri/card1"},
	}
}

func twoDGPUs() []domain.GpuDevice {
	return append(laptop(), domain.GpuDevice{ID: 2, Address: "0000:02:00.0", Driver: "amdgpu", RenderNode: "/dev/dri/renderD130", CardNode: "/dev/dri/card2"})
}

func byID(id uint32, enabled bool) domain.BlockEntry {
	return domain.BlockEntry{Kind: domain.BlockByID, ID: id, Enabled: enabled}
}

func byAddr(addr string, enabled bool) domain.BlockEntry {
	return domain.BlockEntry{Kind: domain.BlockByPCIAddress, Address: addr, Enabled: enabled}
}

func TestCurrent(t *testing.T) {
	cases := []struct {
		name    string
		devices []domain.GpuDevice
		entries []domain.BlockEntry
		want    domain.Mode
	}{
		{"empty entries", laptop(), nil, domain.ModeHybrid},
		{"disabled entries are absent", laptop(), []domain.BlockEntry{byID(129, false), byAddr("0000:01:00.0", false)}, domain.ModeHybrid},
		{"blocked by render id", laptop(), []domain.BlockEntry{byID(129, true)}, domain.ModeIntegrated},
		{"blocked by card id", laptop(), []domain.BlockEntry{byID(1, true)}, domain.ModeIntegrated},
		{"blocked by address", laptop(), []domain.BlockEntry{byAddr("0000:01:00.0", true)}, domain.ModeIntegrated},
		{"default gpu block ignored", laptop(), []domain.BlockEntry{byID(128, true)}, domain.ModeHybrid},
		{"partial block", twoDGPUs(), []domain.BlockEntry{byAddr("0000:01:00.0", true)}, domain.ModeUnknown},
		{"all blocked", twoDGPUs(), []domain.BlockEntry{byAddr("0000:01:00.0", true), byID(130, true)}, domain.ModeIntegrated},
		{"no dgpu", laptop()[:1], []domain.BlockEntry{byID(128, true)}, domain.ModeHybrid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Current(tc.devices, tc.entries); got != tc.want {
				t.Fatalf("Current = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCurrentIsPure(t *testing.T) {
	devices := twoDGPUs()
	sets := [][]domain.BlockEntry{
		nil,
		{byID(129, true)},
		{byAddr("0000:01:00.0", true), byAddr("0000:02:00.0", true)},
		{byID(1, true), byID(2, false)},
	}
	for _, entries := range sets {
		first := Current(devices, entries)
		second := Current(devices, entries)
		if first != second {
			t.Fatalf("Current not deterministic for %v: %q vs %q", entries, first, second)
		}
	}
	if devices[1].IsBlocked || devices[2].IsBlocked {
		t.Fatalf("Current mutated its input")
	}
}

func TestEffective(t *testing.T) {
	devices := laptop()
	if got := Effective(devices, nil, ""); got != domain.ModeHybrid {
		t.Fatalf("expected hybrid, got %q", got)
	}

	unbound := laptop()
	unbound[1].Driver = ""
	if got := Effective(unbound, nil, ""); got != domain.ModeUnknown {
		t.Fatalf("expected unknown for unblocked unbound dgpu, got %q", got)
	}
	if got := Effective(unbound, []domain.BlockEntry{byAddr("0000:01:00.0", true)}, ""); got != domain.ModeIntegrated {
		t.Fatalf("expected integrated, got %q", got)
	}

	stubbed := laptop()
	stubbed[1].Driver = "vfio-pci"
	if got := Effective(stubbed, nil, "vfio-pci"); got != domain.ModeUnknown {
		t.Fatalf("expected unknown for stub-bound dgpu, got %q", got)
	}
}

func TestAnnotateAndEntries(t *testing.T) {
	devices := laptop()
	entries := Entries(devices[1], true)
	if len(entries) != 3 {
		t.Fatalf("expected render, card and address entries, got %+v", entries)
	}
	if entries[0].ID != 129 || entries[1].ID != 1 || entries[2].Address != "0000:01:00.0" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	annotated := Annotate(devices, entries)
	if annotated[0].IsBlocked || !annotated[1].IsBlocked {
		t.Fatalf("unexpected annotation %+v", annotated)
	}
	if devices[1].IsBlocked {
		t.Fatalf("Annotate mutated its input")
	}
	if !IsBlocked(devices[1], entries[2:]) {
		t.Fatalf("expected address entry to block the device")
	}
}
