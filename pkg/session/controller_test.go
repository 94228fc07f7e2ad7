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

package session

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/tracestore"
	"github.com/google/sherlock/pkg/transport"
)

// fakeDevice models the remote side: a process table entry for the
// capture engine and a directory of trace files.
type fakeDevice struct {
	mu          sync.Mutex
	running     bool
	pid         int
	ignoreTerm  bool
	failLaunch  bool
	neverProven bool // pidof never confirms the process
	unreachable bool
	traceData   []byte
	traces      map[string][]byte
	failPulls   map[string]bool
	pushed      map[string][]byte
}

func newFakeDevice(traceData []byte) *fakeDevice {
	return &fakeDevice{
		pid:       4242,
		traceData: traceData,
		traces:    make(map[string][]byte),
		pushed:    make(map[string][]byte),
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{devices: make(map[string]*fakeDevice)}
}

func (f *fakeTransport) device(id string) (*fakeDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrDeviceUnreachable, id)
	}

	return d, nil
}

func (f *fakeTransport) ListDevices(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for id := range f.devices {
		ids = append(ids, id)
	}

	return ids, nil
}

func (f *fakeTransport) RunShell(_ context.Context, deviceID, cmd string) (string, error) {
	d, err := f.device(deviceID)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unreachable {
		return "", transport.ErrDeviceUnreachable
	}

	switch {
	case strings.HasPrefix(cmd, "pidof "):
		if d.running && !d.neverProven {
			return fmt.Sprintf("%d\n", d.pid), nil
		}

		return "", &transport.CommandError{Cmd: cmd, ExitCode: 1}

	case strings.Contains(cmd, "--background"):
		if d.failLaunch {
			return "", &transport.CommandError{Cmd: cmd, ExitCode: 1, Output: "perfetto: config parse error"}
		}

		fields := strings.Fields(cmd)
		outPath := fields[len(fields)-1]
		d.running = true
		d.traces[outPath] = d.traceData

		return fmt.Sprintf("%d\n", d.pid), nil

	case strings.HasPrefix(cmd, "kill -TERM "):
		if !d.ignoreTerm {
			d.running = false
		}

		return "", nil

	case strings.HasPrefix(cmd, "kill -KILL "):
		d.running = false
		return "", nil

	case strings.HasPrefix(cmd, "ls "):
		var names []string
		for p := range d.traces {
			names = append(names, path.Base(p))
		}

		sort.Strings(names)

		return strings.Join(names, "\n"), nil

	case strings.HasPrefix(cmd, "rm -f "):
		delete(d.traces, strings.TrimPrefix(cmd, "rm -f "))
		return "", nil

	default:
		return "", &transport.CommandError{Cmd: cmd, ExitCode: 127}
	}
}

func (f *fakeTransport) PullFile(_ context.Context, deviceID, remotePath, localPath string) error {
	d, err := f.device(deviceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unreachable {
		return transport.ErrDeviceUnreachable
	}

	data, ok := d.traces[remotePath]
	if !ok {
		return &transport.CommandError{Cmd: "pull", ExitCode: 1, Output: "remote object does not exist"}
	}

	if d.failPulls[remotePath] {
		return &transport.CommandError{Cmd: "pull", ExitCode: 1, Output: "protocol fault"}
	}

	return os.WriteFile(localPath, data, 0o600)
}

func (f *fakeTransport) PushFile(_ context.Context, deviceID, localPath, remotePath string) error {
	d, err := f.device(deviceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unreachable {
		return transport.ErrDeviceUnreachable
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	d.pushed[remotePath] = data

	return nil
}

func testCaptureConfig(t *testing.T) models.CaptureConfig {
	t.Helper()

	blob := filepath.Join(t.TempDir(), "capture.cfg")
	require.NoError(t, os.WriteFile(blob, []byte{0x0a, 0x03, 0x08, 0x01}, 0o600))

	cfg := models.CaptureConfig{ConfigBlobPath: blob}
	require.NoError(t, cfg.Validate())

	cfg.StartTimeout = models.Duration(250 * time.Millisecond)
	cfg.StopGrace = models.Duration(250 * time.Millisecond)
	cfg.CommandTimeout = models.Duration(time.Second)
	cfg.PullTimeout = models.Duration(time.Second)

	return cfg
}

type harness struct {
	ctrl   *Controller
	store  *tracestore.Store
	fake   *fakeTransport
	dev    *fakeDevice
	cancel context.CancelFunc
}

func newHarness(t *testing.T, dev *fakeDevice, mutate func(*models.CaptureConfig)) *harness {
	t.Helper()

	store, err := tracestore.New(t.TempDir(), "pftrace", false, logger.NewTestLogger())
	require.NoError(t, err)

	fake := newFakeTransport()
	fake.devices["serial-1"] = dev

	cfg := testCaptureConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl := New("serial-1", fake, store, cfg, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())

	go ctrl.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})

	return &harness{ctrl: ctrl, store: store, fake: fake, dev: dev, cancel: cancel}
}

func waitForStatus(t *testing.T, ctrl *Controller, want models.SessionStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == want
	}, 2*time.Second, 10*time.Millisecond, "session never reached %s (now %s)", want, ctrl.Snapshot().Status)
}

func TestTerminateCollect(t *testing.T) {
	h := newHarness(t, newFakeDevice([]byte("trace-bytes")), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.ctrl.Terminate(models.OperationTerminateCollect)
	waitForStatus(t, h.ctrl, models.SessionCollected)

	info := h.ctrl.Snapshot()
	assert.Equal(t, 1, info.Windows)
	require.Len(t, info.TracePaths, 1)

	data, err := os.ReadFile(info.TracePaths[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("trace-bytes"), data)

	files, err := h.store.List("serial-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Complete)

	// No further transitions without a new trigger.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.SessionCollected, h.ctrl.Snapshot().Status)

	// Remote file deleted after transfer by default.
	h.dev.mu.Lock()
	assert.Empty(t, h.dev.traces)
	h.dev.mu.Unlock()
}

func TestTerminateCollectRestart(t *testing.T) {
	h := newHarness(t, newFakeDevice([]byte("trace-bytes")), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.ctrl.Terminate(models.OperationTerminateCollectRestart)

	// Collected, then immediately restarted into a second window.
	require.Eventually(t, func() bool {
		info := h.ctrl.Snapshot()
		return info.Status == models.SessionRunning && info.Windows == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.ctrl.Terminate(models.OperationTerminateCollect)
	waitForStatus(t, h.ctrl, models.SessionCollected)

	files, err := h.store.List("serial-1")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Len(t, h.ctrl.Snapshot().TracePaths, 2)
}

func TestDuplicateTerminateIsSerialized(t *testing.T) {
	h := newHarness(t, newFakeDevice([]byte("trace-bytes")), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	for i := 0; i < 5; i++ {
		h.ctrl.Terminate(models.OperationTerminateCollect)
	}

	waitForStatus(t, h.ctrl, models.SessionCollected)
	time.Sleep(100 * time.Millisecond)

	info := h.ctrl.Snapshot()
	assert.Equal(t, 1, info.Windows)
	assert.Len(t, info.TracePaths, 1)

	files, err := h.store.List("serial-1")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestLaunchFailure(t *testing.T) {
	dev := newFakeDevice(nil)
	dev.failLaunch = true

	h := newHarness(t, dev, nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionFailed)

	info := h.ctrl.Snapshot()
	assert.Equal(t, models.FailureSessionStart, info.Failure)
	assert.NotEmpty(t, info.Error)
}

func TestStartConfirmationTimeout(t *testing.T) {
	dev := newFakeDevice(nil)
	dev.neverProven = true

	h := newHarness(t, dev, func(cfg *models.CaptureConfig) {
		cfg.StartTimeout = models.Duration(100 * time.Millisecond)
	})

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionFailed)
	assert.Equal(t, models.FailureSessionStart, h.ctrl.Snapshot().Failure)
}

func TestZeroByteCollectionKeepsPartialFile(t *testing.T) {
	h := newHarness(t, newFakeDevice(nil), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.ctrl.Terminate(models.OperationTerminateCollect)
	waitForStatus(t, h.ctrl, models.SessionFailed)

	info := h.ctrl.Snapshot()
	assert.Equal(t, models.FailureCollectionIncomplete, info.Failure)

	// The zero-byte pull is retained, flagged incomplete.
	files, err := h.store.List("serial-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].Complete)
}

func TestForcefulStopAfterGracePeriod(t *testing.T) {
	dev := newFakeDevice([]byte("trace-bytes"))
	dev.ignoreTerm = true

	h := newHarness(t, dev, func(cfg *models.CaptureConfig) {
		cfg.StopGrace = models.Duration(100 * time.Millisecond)
	})

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.ctrl.Terminate(models.OperationTerminateCollect)
	waitForStatus(t, h.ctrl, models.SessionCollected)
}

func TestDeviceLostMidSession(t *testing.T) {
	h := newHarness(t, newFakeDevice([]byte("trace-bytes")), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.ctrl.MarkLost()
	waitForStatus(t, h.ctrl, models.SessionFailed)
	assert.Equal(t, models.FailureDeviceLost, h.ctrl.Snapshot().Failure)

	// A lost terminal session ignores further triggers.
	h.ctrl.Terminate(models.OperationTerminateCollect)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.SessionFailed, h.ctrl.Snapshot().Status)
}

func TestCancellationDuringStartCollectsBestEffort(t *testing.T) {
	dev := newFakeDevice([]byte("trace-bytes"))
	dev.neverProven = true

	h := newHarness(t, dev, func(cfg *models.CaptureConfig) {
		// Keep the session stuck in the confirmation poll.
		cfg.StartTimeout = models.Duration(5 * time.Second)
	})

	h.ctrl.Start()

	// Wait until the capture process has actually been launched.
	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()

		return dev.running
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, models.SessionStarting, h.ctrl.Snapshot().Status)

	h.cancel()
	<-h.ctrl.Done()

	info := h.ctrl.Snapshot()
	assert.Equal(t, models.SessionCollected, info.Status)
	assert.Len(t, info.TracePaths, 1)

	// The capture process was stopped, not abandoned.
	dev.mu.Lock()
	assert.False(t, dev.running)
	dev.mu.Unlock()
}

func TestPartialCollectionReportsTracesOnDisk(t *testing.T) {
	dev := newFakeDevice([]byte("trace-bytes"))

	h := newHarness(t, dev, nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	// A leftover trace that cannot be pulled. It sorts after the
	// session's own trace, so the good file is collected first.
	leftover := "/data/misc/perfetto-traces/zz-leftover.pftrace"

	dev.mu.Lock()
	dev.traces[leftover] = []byte("leftover-bytes")
	dev.failPulls = map[string]bool{leftover: true}
	dev.mu.Unlock()

	h.ctrl.Terminate(models.OperationTerminateCollect)
	waitForStatus(t, h.ctrl, models.SessionFailed)

	info := h.ctrl.Snapshot()
	assert.Equal(t, models.FailureCollectionIncomplete, info.Failure)

	// The trace that made it to disk before the failure is reported.
	require.Len(t, info.TracePaths, 1)

	data, err := os.ReadFile(info.TracePaths[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("trace-bytes"), data)
}

func TestCancellationCollectsBestEffort(t *testing.T) {
	h := newHarness(t, newFakeDevice([]byte("trace-bytes")), nil)

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	h.cancel()
	<-h.ctrl.Done()

	info := h.ctrl.Snapshot()
	assert.Equal(t, models.SessionCollected, info.Status)
	assert.Len(t, info.TracePaths, 1)
}

func TestUnreachableRetryPolicy(t *testing.T) {
	dev := newFakeDevice([]byte("trace-bytes"))

	h := newHarness(t, dev, func(cfg *models.CaptureConfig) {
		cfg.UnreachablePolicy = models.UnreachableRetry
		cfg.UnreachableRetries = 5
	})

	h.ctrl.Start()
	waitForStatus(t, h.ctrl, models.SessionRunning)

	// Blip the device: unreachable now, back before retries run out.
	dev.mu.Lock()
	dev.unreachable = true
	dev.mu.Unlock()

	h.ctrl.Terminate(models.OperationTerminateCollect)

	time.AfterFunc(300*time.Millisecond, func() {
		dev.mu.Lock()
		dev.unreachable = false
		dev.mu.Unlock()
	})

	waitForStatus(t, h.ctrl, models.SessionCollected)
}
