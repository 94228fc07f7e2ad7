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
	// ModuleChildProcess identifies the child process detection module.
	ModuleChildProcess = "ANALYSIS_CHILD_PROCESS"

	// KindChildProcess is the finding kind for a fork/exec of a child
	// process. Unexpected children of app processes are a common
	// exploitation artifact.
	KindChildProcess = "child_process"
)

// ChildProcessModule surfaces processes forked during the capture
// window.
type ChildProcessModule struct{}

// NewChildProcessModule returns the child process detection module.
func NewChildProcessModule() *ChildProcessModule { return &ChildProcessModule{} }

// ID implements Module.
func (m *ChildProcessModule) ID() string { return ModuleChildProcess }

// Extract implements Module.
func (m *ChildProcessModule) Extract(packets []trace.Packet) ([]models.Finding, error) {
	var findings []models.Finding

	for _, p := range packets {
		if p.Record.Type != trace.RecordProcessFork {
			continue
		}

		findings = append(findings, models.Finding{
			ModuleID:    ModuleChildProcess,
			TimestampNs: p.Record.TimestampNs,
			Kind:        KindChildProcess,
			Payload: fmt.Sprintf("parent %d forked %s (pid %d)",
				p.Record.PPID, p.Record.Name, p.Record.PID),
		})
	}

	return findings, nil
}
