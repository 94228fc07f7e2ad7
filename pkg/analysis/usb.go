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
	// ModuleUSB identifies the USB connection detection module.
	ModuleUSB = "ANALYSIS_ATOM_USB"

	// KindUSBConnect is the finding kind for a USB device attach.
	KindUSBConnect = "usb_connect"
)

// USBModule surfaces USB devices attached during the capture window.
type USBModule struct{}

// NewUSBModule returns the USB detection module.
func NewUSBModule() *USBModule { return &USBModule{} }

// ID implements Module.
func (m *USBModule) ID() string { return ModuleUSB }

// Extract implements Module.
func (m *USBModule) Extract(packets []trace.Packet) ([]models.Finding, error) {
	var findings []models.Finding

	for _, p := range packets {
		if p.Record.Type != trace.RecordUSBAttach {
			continue
		}

		payload := p.Record.Str
		if payload == "" {
			payload = "usb device attached"
		}

		findings = append(findings, models.Finding{
			ModuleID:    ModuleUSB,
			TimestampNs: p.Record.TimestampNs,
			Kind:        KindUSBConnect,
			Payload:     payload,
		})
	}

	return findings, nil
}
