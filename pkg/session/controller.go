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

// Package session drives the capture lifecycle on one device:
// launch the capture process, confirm it is running, stop it on an
// operator trigger and pull the resulting trace file into the store.
//
// All state transitions happen on a single goroutine consuming a
// command queue, so concurrent duplicate triggers for the same device
// are serialized and a device never has two sessions in a non-terminal
// state.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/tracestore"
	"github.com/google/sherlock/pkg/transport"
)

const (
	commandQueueSize = 16
	pidPollInterval  = 50 * time.Millisecond
	unreachableDelay = 200 * time.Millisecond
	remoteTimeFormat = "2006-01-02-15-04-05"
)

// backgroundPID matches the PID line the capture engine prints when
// started with --background.
var backgroundPID = regexp.MustCompile(`(?m)^(\d+)$`)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdTerminate
	cmdDeviceLost
)

type command struct {
	kind commandKind
	op   models.Operation
}

// Controller owns the session state machine for one device.
type Controller struct {
	deviceID  string
	transport transport.Transport
	store     *tracestore.Store
	cfg       models.CaptureConfig
	logger    logger.Logger

	cmds    chan command
	stopped chan struct{}

	mu         sync.RWMutex
	status     models.SessionStatus
	operation  models.Operation
	startedAt  time.Time
	failure    models.FailureKind
	lastErr    error
	tracePaths []string
	windows    int

	// capture state, touched only by the run loop
	windowStart     time.Time
	remoteTracePath string
	capturePID      int
}

// New creates a controller in the idle state.
func New(deviceID string, tr transport.Transport, store *tracestore.Store, cfg models.CaptureConfig, log logger.Logger) *Controller {
	return &Controller{
		deviceID:  deviceID,
		transport: tr,
		store:     store,
		cfg:       cfg,
		logger:    log,
		cmds:      make(chan command, commandQueueSize),
		stopped:   make(chan struct{}),
		status:    models.SessionIdle,
	}
}

// Run consumes the command queue until ctx is canceled. A session mid
// STARTING/RUNNING at cancellation completes a best-effort
// stop-and-collect before tearing down.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdStart:
				c.handleStart(ctx)
			case cmdTerminate:
				c.handleTerminate(ctx, cmd.op)
			case cmdDeviceLost:
				c.handleDeviceLost()
			}
		}
	}
}

// Done is closed once the run loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

// Start queues the IDLE -> STARTING transition.
func (c *Controller) Start() {
	c.enqueue(command{kind: cmdStart})
}

// Terminate queues the operator-triggered stop-and-collect. Duplicate
// triggers are serialized by the queue and ignored by the state
// machine once the session left RUNNING.
func (c *Controller) Terminate(op models.Operation) {
	c.enqueue(command{kind: cmdTerminate, op: op})
}

// MarkLost queues the disconnect notification. A lost device cannot be
// communicated with, so the session fails instead of blocking on
// termination.
func (c *Controller) MarkLost() {
	c.enqueue(command{kind: cmdDeviceLost})
}

func (c *Controller) enqueue(cmd command) {
	select {
	case <-c.stopped:
	case c.cmds <- cmd:
	default:
		c.logger.Warn().Str("device", c.deviceID).Int("kind", int(cmd.kind)).
			Msg("Session command queue full, dropping command")
	}
}

// Snapshot returns a point-in-time view of the session.
func (c *Controller) Snapshot() models.SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := models.SessionInfo{
		DeviceID:  c.deviceID,
		Status:    c.status,
		Operation: c.operation,
		StartedAt: c.startedAt,
		Failure:   c.failure,
		Windows:   c.windows,
	}

	if c.lastErr != nil {
		info.Error = c.lastErr.Error()
	}

	info.TracePaths = append(info.TracePaths, c.tracePaths...)

	return info
}

func (c *Controller) setStatus(status models.SessionStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = status
	c.mu.Unlock()

	c.logger.Debug().Str("device", c.deviceID).
		Str("from", string(prev)).Str("to", string(status)).
		Msg("Session transition")
}

func (c *Controller) currentStatus() models.SessionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.status
}

func (c *Controller) fail(kind models.FailureKind, err error) {
	c.mu.Lock()
	c.status = models.SessionFailed
	c.failure = kind
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Error().Str("device", c.deviceID).Str("failure", string(kind)).Err(err).
		Msg("Session failed")
}

func (c *Controller) handleStart(ctx context.Context) {
	status := c.currentStatus()
	if status != models.SessionIdle && status != models.SessionCollected {
		return
	}

	c.setStatus(models.SessionStarting)

	now := time.Now()

	c.mu.Lock()
	c.startedAt = now
	c.windows++
	c.mu.Unlock()

	c.windowStart = now

	if err := c.launch(ctx); err != nil {
		if ctx.Err() != nil {
			// The run is shutting down; stay non-terminal so teardown
			// can stop and collect whatever the launch produced.
			return
		}

		// Launch failures indicate environment misconfiguration; no
		// automatic retry.
		c.fail(models.FailureSessionStart, err)

		return
	}

	if err := c.awaitRunning(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}

		c.fail(models.FailureSessionStart, err)

		return
	}

	c.setStatus(models.SessionRunning)
	c.logger.Info().Str("device", c.deviceID).Int("pid", c.capturePID).
		Str("remote_trace", c.remoteTracePath).Msg("Capture running")
}

// launch pushes the configuration blob and starts the capture process
// in background mode.
func (c *Controller) launch(ctx context.Context) error {
	remoteCfg := path.Join(c.cfg.RemoteConfigDir, "sherlock-"+c.deviceID+".cfg")

	pushCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.CommandTimeout))
	defer cancel()

	if err := c.transport.PushFile(pushCtx, c.deviceID, c.cfg.ConfigBlobPath, remoteCfg); err != nil {
		return fmt.Errorf("push capture config: %w", err)
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	c.remoteTracePath = path.Join(c.cfg.RemoteTraceDir,
		fmt.Sprintf("%s-%s.%s", c.windowStart.UTC().Format(remoteTimeFormat), suffix, c.cfg.TraceExtension))

	cmd := fmt.Sprintf("%s --background -c %s -o %s", c.cfg.CaptureCmd, remoteCfg, c.remoteTracePath)

	out, err := c.shell(ctx, cmd)
	if err != nil {
		return fmt.Errorf("launch capture process: %w", err)
	}

	match := backgroundPID.FindStringSubmatch(out)
	if match == nil {
		return fmt.Errorf("launch capture process: no pid in output %q", strings.TrimSpace(out))
	}

	pid, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("launch capture process: %w", err)
	}

	c.capturePID = pid

	return nil
}

// awaitRunning polls the remote process table until the capture process
// is confirmed active or the bounded start wait elapses.
func (c *Controller) awaitRunning(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(c.cfg.StartTimeout))

	for {
		pid, err := c.capturePIDOf(ctx)
		if err != nil {
			return fmt.Errorf("confirm capture process: %w", err)
		}

		if pid > 0 {
			c.capturePID = pid
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("capture process not running after %s", time.Duration(c.cfg.StartTimeout))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pidPollInterval):
		}
	}
}

func (c *Controller) handleTerminate(ctx context.Context, op models.Operation) {
	if c.currentStatus() != models.SessionRunning {
		// Duplicate or stale trigger.
		return
	}

	c.stopAndCollect(ctx, op)

	if op == models.OperationTerminateCollectRestart && c.currentStatus() == models.SessionCollected {
		c.handleStart(ctx)
	}
}

// stopAndCollect drives TERMINATING -> COLLECTING -> COLLECTED. It is
// shared between operator-triggered termination and the final teardown.
func (c *Controller) stopAndCollect(ctx context.Context, op models.Operation) {
	c.mu.Lock()
	c.operation = op
	c.mu.Unlock()

	c.setStatus(models.SessionTerminating)

	if err := c.stopCapture(ctx); err != nil {
		if transport.IsUnreachable(err) {
			c.fail(models.FailureDeviceLost, err)
		} else {
			c.fail(models.FailureCollectionIncomplete, err)
		}

		return
	}

	c.collect(ctx)
}

// stopCapture sends a graceful stop and escalates to a forceful one if
// the process outlives the grace period.
func (c *Controller) stopCapture(ctx context.Context) error {
	pid, err := c.capturePIDOf(ctx)
	if err != nil {
		return err
	}

	if pid == 0 {
		// A session stopped mid-STARTING may not show up in the
		// process table yet; fall back to the PID the launch reported.
		pid = c.capturePID
	}

	if pid == 0 {
		c.logger.Info().Str("device", c.deviceID).Msg("Capture process was not running")
		return nil
	}

	if _, err := c.shell(ctx, fmt.Sprintf("kill -TERM %d", pid)); err != nil {
		var cmdErr *transport.CommandError

		// A non-zero exit means the process is already gone.
		if errors.As(err, &cmdErr) {
			c.logger.Info().Str("device", c.deviceID).Int("pid", pid).
				Msg("Capture process already exited")

			return nil
		}

		return fmt.Errorf("stop capture process: %w", err)
	}

	deadline := time.Now().Add(time.Duration(c.cfg.StopGrace))

	for {
		current, err := c.capturePIDOf(ctx)
		if err != nil {
			return err
		}

		if current == 0 {
			c.logger.Info().Str("device", c.deviceID).Int("pid", pid).Msg("Capture process terminated")
			return nil
		}

		if time.Now().After(deadline) {
			c.logger.Warn().Str("device", c.deviceID).Int("pid", pid).
				Msg("Capture process ignored graceful stop, killing")

			if _, err := c.shell(ctx, fmt.Sprintf("kill -KILL %d", pid)); err != nil {
				return fmt.Errorf("kill capture process: %w", err)
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pidPollInterval):
		}
	}
}

// collect pulls every trace file present on the device into the trace
// store and finalizes the complete ones. A zero-byte pull fails the
// session but the partial file is retained for forensic value.
func (c *Controller) collect(ctx context.Context) {
	c.setStatus(models.SessionCollecting)

	remoteFiles, err := c.listRemoteTraces(ctx)
	if err != nil {
		if transport.IsUnreachable(err) {
			c.fail(models.FailureDeviceLost, err)
		} else {
			c.fail(models.FailureCollectionIncomplete, err)
		}

		return
	}

	if len(remoteFiles) == 0 {
		c.fail(models.FailureCollectionIncomplete, fmt.Errorf("no trace files found on device"))
		return
	}

	collected := 0

	for _, remote := range remoteFiles {
		localPath, err := c.store.Allocate(c.deviceID, c.windowStart)
		if err != nil {
			c.fail(models.FailureStorageUnavailable, err)
			return
		}

		pullCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.PullTimeout))
		err = c.transport.PullFile(pullCtx, c.deviceID, remote, localPath)

		cancel()

		if err != nil {
			if transport.IsUnreachable(err) {
				c.fail(models.FailureDeviceLost, err)
			} else {
				c.fail(models.FailureCollectionIncomplete, fmt.Errorf("pull %s: %w", remote, err))
			}

			return
		}

		size, sizeErr := fileSize(localPath)
		if sizeErr != nil || size == 0 {
			// Keep the partial file; it is not finalized, so the store
			// lists it as incomplete.
			c.fail(models.FailureCollectionIncomplete, fmt.Errorf("pull %s: empty or unreadable local file", remote))
			return
		}

		final, err := c.store.Finalize(localPath)
		if err != nil {
			c.fail(models.FailureStorageUnavailable, err)
			return
		}

		// Record the path immediately so a later failure in this loop
		// still reports every trace that made it to disk.
		c.mu.Lock()
		c.tracePaths = append(c.tracePaths, final)
		c.mu.Unlock()

		collected++
		c.logger.Info().Str("device", c.deviceID).Str("remote", remote).Str("local", final).
			Int64("size_bytes", size).Msg("Trace collected")

		if !c.cfg.KeepRemoteTraces {
			if _, err := c.shell(ctx, "rm -f "+remote); err != nil {
				c.logger.Warn().Str("device", c.deviceID).Str("remote", remote).Err(err).
					Msg("Failed to delete remote trace after transfer")
			}
		}
	}

	c.setStatus(models.SessionCollected)
	c.logger.Info().Str("device", c.deviceID).Int("files", collected).Msg("Collection complete")
}

func (c *Controller) handleDeviceLost() {
	if c.currentStatus().Terminal() {
		return
	}

	c.fail(models.FailureDeviceLost, fmt.Errorf("device disconnected mid-session"))
}

// teardown runs when the whole run is being canceled. The surrounding
// context is already dead, so best-effort capture preservation uses a
// detached bounded context.
func (c *Controller) teardown() {
	status := c.currentStatus()
	if status != models.SessionStarting && status != models.SessionRunning {
		return
	}

	c.logger.Info().Str("device", c.deviceID).Str("status", string(status)).
		Msg("Run canceled, attempting final stop-and-collect")

	budget := time.Duration(c.cfg.StopGrace) + time.Duration(c.cfg.PullTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	c.stopAndCollect(ctx, models.OperationTerminateCollect)
}

// listRemoteTraces returns every capture engine output file on the
// device, not just the one this session started: files left over from
// interrupted runs are forensic data too.
func (c *Controller) listRemoteTraces(ctx context.Context) ([]string, error) {
	out, err := c.shell(ctx, "ls "+c.cfg.RemoteTraceDir)
	if err != nil {
		return nil, err
	}

	var files []string

	for _, name := range strings.Fields(out) {
		if strings.HasSuffix(name, "."+c.cfg.TraceExtension) {
			files = append(files, path.Join(c.cfg.RemoteTraceDir, name))
		}
	}

	return files, nil
}

// capturePIDOf returns the capture process PID, or 0 when it is not
// running.
func (c *Controller) capturePIDOf(ctx context.Context) (int, error) {
	out, err := c.shell(ctx, "pidof "+c.cfg.CaptureCmd)
	if err != nil {
		var cmdErr *transport.CommandError

		// pidof exits non-zero when no process matches.
		if errors.As(err, &cmdErr) {
			return 0, nil
		}

		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, nil
	}

	return pid, nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return st.Size(), nil
}

// shell runs a remote command with the configured timeout, retrying
// unreachable errors when the policy allows it.
func (c *Controller) shell(ctx context.Context, cmd string) (string, error) {
	attempts := 1
	if c.cfg.UnreachablePolicy == models.UnreachableRetry {
		attempts += c.cfg.UnreachableRetries
	}

	var (
		out string
		err error
	)

	for attempt := 0; attempt < attempts; attempt++ {
		cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.CommandTimeout))
		out, err = c.transport.RunShell(cmdCtx, c.deviceID, cmd)

		cancel()

		if err == nil || !transport.IsUnreachable(err) {
			return out, err
		}

		if attempt < attempts-1 {
			c.logger.Debug().Str("device", c.deviceID).Str("cmd", cmd).Int("attempt", attempt+1).
				Msg("Device unreachable, retrying")

			select {
			case <-ctx.Done():
				return out, err
			case <-time.After(unreachableDelay):
			}
		}
	}

	return out, err
}
