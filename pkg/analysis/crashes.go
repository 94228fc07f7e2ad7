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

package analysis

import (
	"fmt"

	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/trace"
)

const (
	// ModuleCrashes identifies the crash detection module.
	ModuleCrashes = "ANALYSIS_CRASHES"

	// KindAppCrash is the finding kind for an application process
	// exit.
	KindAppCrash = "app_crash"

	// KindTombstone is the finding kind for a native crash tombstone.
	// The record carries no detail beyond the fact it occurred.
	KindTombstone = "tombstone"
)

// CrashesModule surfaces application crashes and tombstones written
// during the capture window.
type CrashesModule struct{}

// NewCrashesModule returns the crash detection module.
func NewCrashesModule() *CrashesModule { return &CrashesModule{} }

// ID implements Module.
func (m *CrashesModule) ID() string { return ModuleCrashes }

// Extract implements Module.
func (m *CrashesModule) Extract(packets []trace.Packet) ([]models.Finding, error) {
	var findings []models.Finding

	for _, p := range packets {
		switch p.Record.Type {
		case trace.RecordProcessDied:
			findings = append(findings, models.Finding{
				ModuleID:    ModuleCrashes,
				TimestampNs: p.Record.TimestampNs,
				Kind:        KindAppCrash,
				Payload: fmt.Sprintf("%s (pid %d): %s",
					p.Record.Name, p.Record.PID, p.Record.Reason),
			})

		case trace.RecordTombstone:
			findings = append(findings, models.Finding{
				ModuleID:    ModuleCrashes,
				TimestampNs: p.Record.TimestampNs,
				Kind:        KindTombstone,
				Payload:     "tombstone occurred",
			})
		}
	}

	return findings, nil
}
