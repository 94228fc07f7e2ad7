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

import (
	"fmt"
	"time"
)

// SessionStatus is the state of a capture session on one device.
type SessionStatus string

const (
	SessionIdle        SessionStatus = "idle"
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionTerminating SessionStatus = "terminating"
	SessionCollecting  SessionStatus = "collecting"
	SessionCollected   SessionStatus = "collected"
	SessionFailed      SessionStatus = "failed"
)

// Terminal reports whether the status is an end state. A device has at
// most one session in a non-terminal status at any time.
func (s SessionStatus) Terminal() bool {
	return s == SessionCollected || s == SessionFailed
}

// Operation selects what the orchestrator does with a running capture
// when the operator triggers it.
type Operation string

const (
	// OperationTerminateCollect stops the capture process and pulls the
	// trace file; the session is then retired.
	OperationTerminateCollect Operation = "TERMINATE_COLLECT"

	// OperationTerminateCollectRestart stops the capture process, pulls
	// the trace file and starts a fresh capture window.
	OperationTerminateCollectRestart Operation = "TERMINATE_COLLECT_RESTART"
)

// ParseOperation converts an operator-supplied string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationTerminateCollect:
		return OperationTerminateCollect, nil
	case OperationTerminateCollectRestart:
		return OperationTerminateCollectRestart, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

// FailureKind classifies why a session reached SessionFailed.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureDeviceLost           FailureKind = "device_lost"
	FailureSessionStart         FailureKind = "session_start_failure"
	FailureCollectionIncomplete FailureKind = "collection_incomplete"
	FailureStorageUnavailable   FailureKind = "storage_unavailable"
)

// SessionInfo is a point-in-time snapshot of one session, surfaced by
// the orchestrator for reporting.
type SessionInfo struct {
	DeviceID   string        `json:"device_id"`
	Status     SessionStatus `json:"status"`
	Operation  Operation     `json:"operation"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Failure    FailureKind   `json:"failure,omitempty"`
	Error      string        `json:"error,omitempty"`
	TracePaths []string      `json:"trace_paths,omitempty"`
	Windows    int           `json:"windows"`
}
