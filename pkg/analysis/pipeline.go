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
	"context"
	"fmt"
	"sync"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/trace"
)

// KindModuleError is the finding kind recorded when a module fails on
// one file. The failure never aborts the file's other modules or other
// files.
const KindModuleError = "error"

// Report accumulates findings per device. Within a device the order is
// extraction order, not timestamp order.
type Report map[string][]models.Finding

// Pipeline runs a resolved module set over trace files and aggregates
// findings into a Report. Files are processed concurrently; the
// selected modules run sequentially over each file's shared packet
// slice.
type Pipeline struct {
	registry *Registry
	logger   logger.Logger
}

// NewPipeline returns a pipeline backed by the given registry.
func NewPipeline(registry *Registry, log logger.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		logger:   log,
	}
}

// Run analyzes the given trace files. The selection is resolved once
// up front; an unknown module ID fails the whole run before any file
// is touched. An empty device filter selects every device.
func (p *Pipeline) Run(ctx context.Context, files []models.TraceFile, sel Selection, deviceFilter []string) (Report, error) {
	modules, err := p.registry.Resolve(sel)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(deviceFilter))
	for _, id := range deviceFilter {
		wanted[id] = true
	}

	report := make(Report)
	findings := make(chan []models.Finding, len(files))

	collectDone := make(chan struct{})

	go func() {
		defer close(collectDone)

		for batch := range findings {
			for _, f := range batch {
				report[f.DeviceID] = append(report[f.DeviceID], f)
			}
		}
	}()

	var wg sync.WaitGroup

	for _, file := range files {
		file := file
		if len(wanted) > 0 && !wanted[file.DeviceID] {
			continue
		}

		if err := ctx.Err(); err != nil {
			break
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			p.analyzeFile(file, modules, findings)
		}()
	}

	wg.Wait()
	close(findings)
	<-collectDone

	return report, ctx.Err()
}

// analyzeFile decodes one file once and runs every selected module
// over the shared packet slice.
func (p *Pipeline) analyzeFile(file models.TraceFile, modules []Module, out chan<- []models.Finding) {
	dec, err := trace.Open(file.Path, trace.ModeFinalized)
	if err != nil {
		p.logger.Error().Str("device", file.DeviceID).Str("path", file.Path).Err(err).
			Msg("Failed to open trace file")

		return
	}

	defer func() {
		_ = dec.Close()
	}()

	packets, err := dec.ReadAll()
	if err != nil {
		p.logger.Error().Str("device", file.DeviceID).Str("path", file.Path).Err(err).
			Msg("Failed to decode trace file")

		return
	}

	if errs := dec.DecodeErrors(); len(errs) > 0 {
		p.logger.Warn().Str("device", file.DeviceID).Str("path", file.Path).
			Int("malformed_frames", len(errs)).
			Msg("Trace file contains malformed frames, analyzing decodable records")
	}

	for _, m := range modules {
		batch, err := runModule(m, packets)
		if err != nil {
			p.logger.Error().Str("device", file.DeviceID).Str("module", m.ID()).Err(err).
				Msg("Analysis module failed")

			out <- []models.Finding{{
				ModuleID: m.ID(),
				DeviceID: file.DeviceID,
				Kind:     KindModuleError,
				Payload:  err.Error(),
			}}

			continue
		}

		for i := range batch {
			batch[i].DeviceID = file.DeviceID
		}

		p.logger.Debug().Str("device", file.DeviceID).Str("module", m.ID()).
			Int("findings", len(batch)).Msg("Analysis module finished")

		out <- batch
	}
}

// runModule isolates one module execution, converting a panic into an
// error so a misbehaving module cannot take down the run.
func runModule(m Module, packets []trace.Packet) (findings []models.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s panicked: %v", m.ID(), r)
		}
	}()

	return m.Extract(packets)
}
