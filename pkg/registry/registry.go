/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package registry tracks the set of known device identifiers and
// their last-observed connectivity state. It is a pure data structure:
// discovery runs observe() with the result of each enumeration poll and
// the registry answers with the diff against the previous snapshot.
package registry

import (
	"sort"
	"sync"

	"github.com/google/sherlock/pkg/models"
)

// Diff is the result of one observation: the devices that appeared
// since the previous poll and the devices that vanished.
type Diff struct {
	NewlyConnected    []string
	NewlyDisconnected []string
}

// Registry maintains device connectivity state across polls. Devices
// are never removed during a run; a disconnected device is retained for
// historical reporting.
type Registry struct {
	mu      sync.Mutex
	devices map[string]models.DeviceState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]models.DeviceState),
	}
}

// Observe diffs the currently attached device set against the previous
// snapshot and updates the stored states. An empty input set is valid
// and disconnects every previously connected device. Never blocks on
// I/O.
func (r *Registry) Observe(ids []string) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))

	var diff Diff

	for _, id := range ids {
		seen[id] = struct{}{}

		if r.devices[id] != models.DeviceStateConnected {
			diff.NewlyConnected = append(diff.NewlyConnected, id)
		}

		r.devices[id] = models.DeviceStateConnected
	}

	for id, state := range r.devices {
		if _, ok := seen[id]; ok {
			continue
		}

		if state == models.DeviceStateConnected {
			diff.NewlyDisconnected = append(diff.NewlyDisconnected, id)
			r.devices[id] = models.DeviceStateDisconnected
		}
	}

	sort.Strings(diff.NewlyConnected)
	sort.Strings(diff.NewlyDisconnected)

	return diff
}

// State returns the last-observed state of a device, or
// DeviceStateUnseen for an identifier never observed.
func (r *Registry) State(id string) models.DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.devices[id]
	if !ok {
		return models.DeviceStateUnseen
	}

	return state
}

// Devices returns a snapshot of every known device, sorted by ID.
func (r *Registry) Devices() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]models.Device, 0, len(r.devices))

	for id, state := range r.devices {
		devices = append(devices, models.Device{ID: id, State: state})
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})

	return devices
}
