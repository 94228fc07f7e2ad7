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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/sherlock/pkg/models"
)

const reportSuffix = "-report.json"

type deviceReport struct {
	DeviceID string           `json:"device_id"`
	Findings []models.Finding `json:"findings"`
}

// WriteReports exports one JSON report file per device into dir,
// named <device>-report.json. Existing reports are overwritten.
func WriteReports(report Report, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	for deviceID, findings := range report {
		data, err := json.MarshalIndent(deviceReport{
			DeviceID: deviceID,
			Findings: findings,
		}, "", "    ")
		if err != nil {
			return fmt.Errorf("failed to encode report for %s: %w", deviceID, err)
		}

		path := filepath.Join(dir, deviceID+reportSuffix)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("failed to write report for %s: %w", deviceID, err)
		}
	}

	return nil
}
