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

// Package transport is the boundary used to communicate with attached
// devices: enumerate them, run remote shell commands and transfer
// files.
package transport

import "context"

// Transport abstracts the device communication layer. Session
// controllers and the orchestrator depend only on this interface; tests
// substitute scripted fakes.
type Transport interface {
	// ListDevices enumerates the identifiers of attached devices.
	ListDevices(ctx context.Context) ([]string, error)

	// RunShell executes a shell command on the device and returns its
	// exit code and combined output. A non-zero exit code is returned
	// as a *CommandError.
	RunShell(ctx context.Context, deviceID, cmd string) (string, error)

	// PullFile copies a file from the device to a local path.
	PullFile(ctx context.Context, deviceID, remotePath, localPath string) error

	// PushFile copies a local file onto the device.
	PushFile(ctx context.Context, deviceID, localPath, remotePath string) error
}
