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

// Package models defines the shared data model for device capture
// sessions, trace files and analysis findings.
package models

// DeviceState is the last-observed connectivity state of a device.
type DeviceState string

const (
	DeviceStateUnseen       DeviceState = "unseen"
	DeviceStateConnected    DeviceState = "connected"
	DeviceStateDisconnected DeviceState = "disconnected"
)

// Device is one known device identifier and its connectivity state.
// Devices are created on first discovery and retained for the life of
// the process so historical reporting covers every device seen.
type Device struct {
	ID    string      `json:"id"`
	State DeviceState `json:"state"`
}
