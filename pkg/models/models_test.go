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

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "duration string", input: `"30s"`, want: 30 * time.Second},
		{name: "nanoseconds number", input: `5000000000`, want: 5 * time.Second},
		{name: "bad string", input: `"not-a-duration"`, wantErr: true},
		{name: "wrong type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, 90*time.Second, time.Duration(d))
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("TERMINATE_COLLECT")
	require.NoError(t, err)
	assert.Equal(t, OperationTerminateCollect, op)

	op, err = ParseOperation("TERMINATE_COLLECT_RESTART")
	require.NoError(t, err)
	assert.Equal(t, OperationTerminateCollectRestart, op)

	_, err = ParseOperation("TERMINATE_EVERYTHING")
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionCollected.Terminal())
	assert.True(t, SessionFailed.Terminal())

	for _, s := range []SessionStatus{SessionIdle, SessionStarting, SessionRunning, SessionTerminating, SessionCollecting} {
		assert.False(t, s.Terminal(), "status %s", s)
	}
}

func TestCaptureConfigDefaults(t *testing.T) {
	var cfg CaptureConfig
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "perfetto", cfg.CaptureCmd)
	assert.Equal(t, "/data/misc/perfetto-traces", cfg.RemoteTraceDir)
	assert.Equal(t, "/data/misc/perfetto-configs", cfg.RemoteConfigDir)
	assert.Equal(t, "pftrace", cfg.TraceExtension)
	assert.NotZero(t, cfg.CommandTimeout)
	assert.NotZero(t, cfg.StartTimeout)
	assert.NotZero(t, cfg.StopGrace)
	assert.NotZero(t, cfg.PullTimeout)
	assert.False(t, cfg.KeepRemoteTraces)
	assert.Equal(t, UnreachableFail, cfg.UnreachablePolicy)
}

func TestCaptureConfigRetryPolicyDefaultsRetries(t *testing.T) {
	cfg := CaptureConfig{UnreachablePolicy: UnreachableRetry}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.UnreachableRetries)
}
