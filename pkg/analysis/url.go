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
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/trace"
)

const (
	// ModuleURL identifies the URL extraction module.
	ModuleURL = "ANALYSIS_URL"

	// KindURLVisit is the finding kind for a reconstructed URL visit.
	KindURLVisit = "url_visit"
)

// URLModule reconstructs visited URLs by resolving network events
// against the trace's interned string table.
type URLModule struct{}

// NewURLModule returns the URL extraction module.
func NewURLModule() *URLModule { return &URLModule{} }

// ID implements Module.
func (m *URLModule) ID() string { return ModuleURL }

type urlVisit struct {
	url string
	ts  int64
}

// Extract implements Module. One finding is emitted per distinct
// (url, timestamp) pair; the same URL at distinct timestamps stays
// distinct.
func (m *URLModule) Extract(packets []trace.Packet) ([]models.Finding, error) {
	interned := make(map[uint64]string)
	seen := make(map[urlVisit]bool)

	var findings []models.Finding

	for _, p := range packets {
		switch p.Record.Type {
		case trace.RecordInternedString:
			interned[p.Record.InternID] = p.Record.Str

		case trace.RecordNetworkEvent:
			url, ok := interned[p.Record.InternID]
			if !ok {
				// The intern record may have been lost to a skipped
				// corrupt frame. The reference is unresolvable; the
				// rest of the file is not.
				continue
			}

			visit := urlVisit{url: url, ts: p.Record.TimestampNs}
			if seen[visit] {
				continue
			}

			seen[visit] = true

			findings = append(findings, models.Finding{
				ModuleID:    ModuleURL,
				TimestampNs: p.Record.TimestampNs,
				Kind:        KindURLVisit,
				Payload:     url,
			})
		}
	}

	return findings, nil
}
