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

package orchestrator

import (
	"errors"
	"time"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
)

const defaultPollInterval = 3 * time.Second

var errTracesDirRequired = errors.New("traces directory is required")

// Config represents orchestrator configuration.
type Config struct {
	// TracesDir is the local capture directory root.
	TracesDir string `json:"traces_directory"`
	// PollInterval is the device discovery cadence.
	PollInterval models.Duration `json:"poll_interval"`
	// CompressTraces enables zstd compression when trace files are
	// finalized.
	CompressTraces bool `json:"compress_traces"`
	// ADBPath overrides the adb binary location.
	ADBPath string `json:"adb_path,omitempty"`

	Capture models.CaptureConfig `json:"capture"`
	Logging *logger.Config       `json:"logging,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.TracesDir == "" {
		return errTracesDirRequired
	}

	if time.Duration(c.PollInterval) == 0 {
		c.PollInterval = models.Duration(defaultPollInterval)
	}

	return c.Capture.Validate()
}
