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

// Package orchestrator discovers attached devices on a fixed cadence
// and maintains exactly one live session controller per connected
// device. The discovery loop only mutates the set of controllers;
// every session transition happens inside its controller.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/registry"
	"github.com/google/sherlock/pkg/session"
	"github.com/google/sherlock/pkg/tracestore"
	"github.com/google/sherlock/pkg/transport"
)

const terminalPollInterval = 100 * time.Millisecond

// handle pairs a controller with the cancel function of its run
// context.
type handle struct {
	ctrl   *session.Controller
	cancel context.CancelFunc
}

// Orchestrator runs the device discovery loop and fans operator
// operations out to session controllers.
type Orchestrator struct {
	config    Config
	transport transport.Transport
	store     *tracestore.Store
	registry  *registry.Registry
	clock     Clock
	logger    logger.Logger

	mu          sync.RWMutex
	controllers map[string]*handle

	runCtx    context.Context
	runCancel context.CancelFunc

	ticker    Ticker
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an orchestrator. A nil clock defaults to the system
// clock.
func New(config *Config, tr transport.Transport, store *tracestore.Store, clock Clock, log logger.Logger) *Orchestrator {
	if clock == nil {
		clock = systemClock{}
	}

	return &Orchestrator{
		config:      *config,
		transport:   tr,
		store:       store,
		registry:    registry.New(),
		clock:       clock,
		logger:      log,
		controllers: make(map[string]*handle),
		done:        make(chan struct{}),
	}
}

// Start runs the discovery loop until ctx is canceled or Stop is
// called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.mu.Unlock()

	interval := time.Duration(o.config.PollInterval)
	o.ticker = o.clock.Ticker(interval)

	defer o.ticker.Stop()

	o.logger.Info().Dur("interval", interval).Msg("Starting device discovery")

	o.discover()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.done:
			return nil
		case <-o.ticker.Chan():
			o.discover()
		}
	}
}

// Stop halts discovery, cancels every controller and waits for their
// best-effort stop-and-collect to finish.
func (o *Orchestrator) Stop(_ context.Context) error {
	o.closeOnce.Do(func() {
		close(o.done)
	})

	o.mu.RLock()
	cancel := o.runCancel
	o.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	o.wg.Wait()

	return nil
}

// Trigger applies the operation to every live controller. Failures are
// isolated per device inside the controllers.
func (o *Orchestrator) Trigger(op models.Operation) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	o.logger.Info().Str("operation", string(op)).Int("devices", len(o.controllers)).
		Msg("Applying operation to all sessions")

	for _, h := range o.controllers {
		h.ctrl.Terminate(op)
	}
}

// Snapshot returns the current state of every session, sorted by
// device ID.
func (o *Orchestrator) Snapshot() []models.SessionInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(o.controllers))

	for _, h := range o.controllers {
		infos = append(infos, h.ctrl.Snapshot())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].DeviceID < infos[j].DeviceID
	})

	return infos
}

// Devices returns every device ever observed during this run with its
// last connectivity state.
func (o *Orchestrator) Devices() []models.Device {
	return o.registry.Devices()
}

// AwaitTerminal blocks until every session is in a terminal state or
// ctx expires.
func (o *Orchestrator) AwaitTerminal(ctx context.Context) error {
	for {
		if o.allTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(terminalPollInterval):
		}
	}
}

func (o *Orchestrator) allTerminal() bool {
	for _, info := range o.Snapshot() {
		if !info.Status.Terminal() {
			return false
		}
	}

	return true
}

// discover polls the transport once and reconciles the controller set
// with the observed device set. A transport failure is logged and
// retried on the next poll.
func (o *Orchestrator) discover() {
	o.mu.RLock()
	ctx := o.runCtx
	o.mu.RUnlock()

	if ctx.Err() != nil {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, time.Duration(o.config.Capture.CommandTimeout))
	ids, err := o.transport.ListDevices(listCtx)

	cancel()

	if err != nil {
		o.logger.Warn().Err(err).Msg("Device enumeration failed, retrying on next poll")
		return
	}

	diff := o.registry.Observe(ids)

	for _, id := range diff.NewlyDisconnected {
		o.mu.RLock()
		h, ok := o.controllers[id]
		o.mu.RUnlock()

		if !ok {
			continue
		}

		o.logger.Warn().Str("device", id).Msg("Device disconnected")
		h.ctrl.MarkLost()
	}

	for _, id := range diff.NewlyConnected {
		o.adopt(ctx, id)
	}
}

// adopt creates a controller for a newly connected device and drives
// it to STARTING. When the device reconnects after a loss, the retired
// controller is torn down first so the device never has two sessions
// in a non-terminal state.
func (o *Orchestrator) adopt(ctx context.Context, id string) {
	o.mu.RLock()
	old := o.controllers[id]
	o.mu.RUnlock()

	if old == nil {
		o.logger.Info().Str("device", id).Msg("Adopting device")
		o.spawn(ctx, id)

		return
	}

	o.logger.Info().Str("device", id).Msg("Device reconnected, replacing retired session")
	old.ctrl.MarkLost()
	old.cancel()

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		select {
		case <-old.ctrl.Done():
		case <-ctx.Done():
			return
		}

		o.spawn(ctx, id)
	}()
}

func (o *Orchestrator) spawn(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}

	ctrl := session.New(id, o.transport, o.store, o.config.Capture, o.logger)
	cctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.controllers[id] = &handle{ctrl: ctrl, cancel: cancel}
	o.mu.Unlock()

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		ctrl.Run(cctx)
	}()

	ctrl.Start()
}
