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

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

func TestStoreLoadMissing(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.json"))
	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Version != domain.CheckpointVersion || len(cp.Devices) != 0 || cp.LastOutcome != nil {
		t.Fatalf("expected empty checkpoint, got %+v", cp)
	}
}

func TestStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := New(path)
	finished := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.Update(context.Background(), func(cp *domain.Checkpoint) {
		cp.SetDevice("0000:01:00.0", domain.DeviceCheckpoint{
			OriginalDriver: "nvidia",
			SiblingDrivers: map[string]string{"0000:01:00.1": "snd_hda_intel"},
			BlockedIDs:     []uint32{129, 1},
		})
		cp.LastOutcome = domain.Outcome{Requested: domain.ModeIntegrated, Phase: domain.PhaseDone, Observed: domain.ModeIntegrated, Finished: finished}.Record()
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}

	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dev := cp.Device("0000:01:00.0")
	if dev.OriginalDriver != "nvidia" || dev.SiblingDrivers["0000:01:00.1"] != "snd_hda_intel" || len(dev.BlockedIDs) != 2 {
		t.Fatalf("unexpected device checkpoint %+v", dev)
	}
	if cp.LastOutcome == nil || cp.LastOutcome.Phase != domain.PhaseDone || !cp.LastOutcome.Finished.Equal(finished) {
		t.Fatalf("unexpected outcome %+v", cp.LastOutcome)
	}
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 99}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(path).Load(context.Background()); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestSetDeviceDropsEmptyRecords(t *testing.T) {
	var cp domain.Checkpoint
	cp.SetDevice("0000:01:00.0", domain.DeviceCheckpoint{OriginalDriver: "nvidia"})
	cp.SetDevice("0000:01:00.0", domain.DeviceCheckpoint{})
	if len(cp.Devices) != 0 {
		t.Fatalf("expected empty record to be dropped, got %+v", cp.Devices)
	}
}
