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

package models

import "time"

const (
	defaultCaptureCmd      = "perfetto"
	defaultRemoteTraceDir  = "/data/misc/perfetto-traces"
	defaultRemoteConfigDir = "/data/misc/perfetto-configs"
	defaultTraceExtension  = "pftrace"

	defaultCommandTimeout = 30 * time.Second
	defaultStartTimeout   = 15 * time.Second
	defaultStopGrace      = 20 * time.Second
	defaultPullTimeout    = 10 * time.Minute
)

// UnreachablePolicy selects how a session reacts to a device that stops
// answering transport commands mid-session.
type UnreachablePolicy string

const (
	// UnreachableFail marks the session failed on the first unreachable
	// transport error.
	UnreachableFail UnreachablePolicy = "fail"

	// UnreachableRetry retries a bounded number of times before failing.
	UnreachableRetry UnreachablePolicy = "retry"
)

// CaptureConfig collects every path, name and timing constant used when
// driving the on-device capture process. It is populated once at
// startup and passed by value so no component mutates it afterwards.
type CaptureConfig struct {
	// CaptureCmd is the capture engine binary on the device.
	CaptureCmd string `json:"capture_cmd"`
	// ConfigBlobPath is the local path of the opaque capture engine
	// configuration blob. The blob is handed to the capture process
	// unmodified.
	ConfigBlobPath string `json:"config_blob_path"`
	// RemoteTraceDir is where the capture engine writes traces on the
	// device.
	RemoteTraceDir string `json:"remote_trace_dir"`
	// RemoteConfigDir is where the configuration blob is pushed.
	RemoteConfigDir string `json:"remote_config_dir"`
	// TraceExtension is the file extension of capture engine output.
	TraceExtension string `json:"trace_extension"`

	CommandTimeout Duration `json:"command_timeout"`
	StartTimeout   Duration `json:"start_timeout"`
	StopGrace      Duration `json:"stop_grace"`
	PullTimeout    Duration `json:"pull_timeout"`

	// KeepRemoteTraces leaves trace files on the device after a
	// successful pull. By default they are deleted so the next capture
	// window starts clean.
	KeepRemoteTraces bool `json:"keep_remote_traces"`

	UnreachablePolicy  UnreachablePolicy `json:"unreachable_policy"`
	UnreachableRetries int               `json:"unreachable_retries"`
}

// Validate fills defaults for unset fields.
func (c *CaptureConfig) Validate() error {
	if c.CaptureCmd == "" {
		c.CaptureCmd = defaultCaptureCmd
	}

	if c.RemoteTraceDir == "" {
		c.RemoteTraceDir = defaultRemoteTraceDir
	}

	if c.RemoteConfigDir == "" {
		c.RemoteConfigDir = defaultRemoteConfigDir
	}

	if c.TraceExtension == "" {
		c.TraceExtension = defaultTraceExtension
	}

	if time.Duration(c.CommandTimeout) == 0 {
		c.CommandTimeout = Duration(defaultCommandTimeout)
	}

	if time.Duration(c.StartTimeout) == 0 {
		c.StartTimeout = Duration(defaultStartTimeout)
	}

	if time.Duration(c.StopGrace) == 0 {
		c.StopGrace = Duration(defaultStopGrace)
	}

	if time.Duration(c.PullTimeout) == 0 {
		c.PullTimeout = Duration(defaultPullTimeout)
	}

	if c.UnreachablePolicy == "" {
		c.UnreachablePolicy = UnreachableFail
	}

	if c.UnreachablePolicy == UnreachableRetry && c.UnreachableRetries == 0 {
		c.UnreachableRetries = 3
	}

	return nil
}
