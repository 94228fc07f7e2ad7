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

package models

import "time"

// TraceFile describes one captured trace on local disk. A trace file
// covers one capture window on one device and becomes immutable once
// its session reaches SessionCollected.
type TraceFile struct {
	DeviceID    string    `json:"device_id"`
	Path        string    `json:"path"`
	WindowStart time.Time `json:"window_start"`
	// WindowEnd is zero while the capture window is still open.
	WindowEnd time.Time `json:"window_end,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	// Complete is false for a partial pull retained for forensic value.
	Complete bool `json:"complete"`
}

// Finding is one structured forensic fact extracted by an analysis
// module from a decoded trace.
type Finding struct {
	ModuleID string `json:"module_id"`
	DeviceID string `json:"device_id"`
	// TimestampNs is the trace-relative event time in nanoseconds.
	TimestampNs int64  `json:"timestamp_ns"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"`
}
