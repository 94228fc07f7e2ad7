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

// Package analysis runs pluggable extraction modules over decoded trace
// files and aggregates their findings into per-device reports.
package analysis

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/trace"
)

// AllModules is the selector sentinel that resolves to every
// registered module.
const AllModules = "ANALYSIS_ALL"

// Module extracts findings from the decoded packets of one trace file.
// Extract must not retain the packet slice and must not depend on the
// order other modules run in.
type Module interface {
	ID() string
	Extract(packets []trace.Packet) ([]models.Finding, error)
}

// Selection names the modules one pipeline run executes.
type Selection struct {
	all bool
	ids []string
}

// SelectAll selects every registered module.
func SelectAll() Selection {
	return Selection{all: true}
}

// Select selects an explicit module set. IDs equal to AllModules widen
// the selection to every registered module.
func Select(ids ...string) Selection {
	for _, id := range ids {
		if id == AllModules {
			return SelectAll()
		}
	}

	return Selection{ids: ids}
}

// Registry maps module identifiers to their implementations.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// DefaultRegistry returns a registry with every built-in module.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, m := range []Module{
		NewURLModule(),
		NewCrashesModule(),
		NewChildProcessModule(),
		NewUSBModule(),
	} {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}

	return r
}

// Register adds a module. Registering the same ID twice is an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.ID())
	}

	r.modules[m.ID()] = m

	return nil
}

// IDs returns every registered module identifier, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Resolve materializes a selection into concrete modules. The result
// is in sorted ID order so a run's module set is deterministic.
func (r *Registry) Resolve(sel Selection) ([]Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string

	if sel.all {
		for id := range r.modules {
			ids = append(ids, id)
		}
	} else {
		seen := make(map[string]bool, len(sel.ids))

		for _, id := range sel.ids {
			if _, ok := r.modules[id]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
			}

			if !seen[id] {
				seen[id] = true

				ids = append(ids, id)
			}
		}
	}

	sort.Strings(ids)

	modules := make([]Module, 0, len(ids))
	for _, id := range ids {
		modules = append(modules, r.modules[id])
	}

	return modules, nil
}
