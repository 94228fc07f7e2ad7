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

package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/sherlock/pkg/logger"
)

const defaultADBPath = "adb"

// ADB is the production Transport, shelling out to the adb binary with
// one subprocess per call.
type ADB struct {
	path   string
	logger logger.Logger
}

// NewADB creates an adb-backed transport. An empty path uses "adb"
// from PATH.
func NewADB(path string, log logger.Logger) *ADB {
	if path == "" {
		path = defaultADBPath
	}

	return &ADB{path: path, logger: log}
}

// ListDevices parses `adb devices` output. Only devices in the
// "device" state are returned; unauthorized or offline entries are not
// usable for capture.
func (a *ADB) ListDevices(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}

	var ids []string

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[1] == "device" {
			ids = append(ids, fields[0])
		}
	}

	return ids, nil
}

// RunShell executes a shell command on the device.
func (a *ADB) RunShell(ctx context.Context, deviceID, cmd string) (string, error) {
	return a.run(ctx, "-s", deviceID, "shell", cmd)
}

// PullFile copies remotePath from the device to localPath.
func (a *ADB) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	if _, err := a.run(ctx, "-s", deviceID, "pull", remotePath, localPath); err != nil {
		return fmt.Errorf("pull %s from %s: %w", remotePath, deviceID, err)
	}

	return nil
}

// PushFile copies localPath onto the device at remotePath.
func (a *ADB) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	if _, err := a.run(ctx, "-s", deviceID, "push", localPath, remotePath); err != nil {
		return fmt.Errorf("push %s to %s: %w", localPath, deviceID, err)
	}

	return nil
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.path, args...)

	out, err := cmd.CombinedOutput()
	output := string(out)

	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError

	if errors.As(err, &exitErr) {
		if unreachableOutput(output) {
			return output, fmt.Errorf("%w: %s", ErrDeviceUnreachable, strings.TrimSpace(output))
		}

		a.logger.Warn().Str("cmd", strings.Join(args, " ")).Int("exit_code", exitErr.ExitCode()).
			Msg("adb command failed")

		return output, &CommandError{
			Cmd:      strings.Join(args, " "),
			ExitCode: exitErr.ExitCode(),
			Output:   output,
		}
	}

	// adb itself could not be executed.
	return output, fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
}

// unreachableOutput matches the adb error strings emitted when the
// device side of the connection is gone.
func unreachableOutput(out string) bool {
	for _, marker := range []string{
		"device offline",
		"device not found",
		"no devices/emulators found",
		"device unauthorized",
	} {
		if strings.Contains(out, marker) {
			return true
		}
	}

	return false
}
