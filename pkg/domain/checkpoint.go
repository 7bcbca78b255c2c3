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

import "time"

const CheckpointVersion = 1

// Checkpoint is the daemon's persisted bookkeeping. It never decides the
// mode; it only remembers what cannot be re-derived after a restart.
type Checkpoint struct {
	Version int `json:"version"`
	// Devices is keyed by PCI address.
	Devices     map[string]DeviceCheckpoint `json:"devices,omitempty"`
	LastOutcome *OutcomeRecord              `json:"lastOutcome,omitempty"`
}

// DeviceCheckpoint records what to restore when a GPU returns to hybrid.
type DeviceCheckpoint struct {
	OriginalDriver string `json:"originalDriver,omitempty"`
	// SiblingDrivers maps sibling function addresses to their drivers.
	SiblingDrivers map[string]string `json:"siblingDrivers,omitempty"`
	// BlockedIDs are the DRM node ids written while blocking, kept to clear
	// them after /dev/dri renumbering.
	BlockedIDs []uint32 `json:"blockedIDs,omitempty"`
}

// OutcomeRecord is the serialized form of a terminal Outcome.
type OutcomeRecord struct {
	Requested Mode      `json:"requested"`
	Phase     Phase     `json:"phase"`
	FailedIn  Phase     `json:"failedIn,omitempty"`
	Observed  Mode      `json:"observed,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Finished  time.Time `json:"finished"`
}

// Record converts an outcome for persistence.
func (o Outcome) Record() *OutcomeRecord {
	rec := &OutcomeRecord{
		Requested: o.Requested,
		Phase:     o.Phase,
		FailedIn:  o.FailedIn,
		Observed:  o.Observed,
		Finished:  o.Finished,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
		rec.ErrorKind = Kind(o.Err)
	}
	return rec
}

// Device returns the checkpoint of addr, creating the map on demand.
func (c *Checkpoint) Device(addr string) DeviceCheckpoint {
	if c.Devices == nil {
		c.Devices = map[string]DeviceCheckpoint{}
	}
	return c.Devices[addr]
}

// SetDevice stores dc, dropping empty records.
func (c *Checkpoint) SetDevice(addr string, dc DeviceCheckpoint) {
	if c.Devices == nil {
		c.Devices = map[string]DeviceCheckpoint{}
	}
	if dc.OriginalDriver == "" && len(dc.SiblingDrivers) == 0 && len(dc.BlockedIDs) == 0 {
		delete(c.Devices, addr)
		return
	}
	c.Devices[addr] = dc
}
