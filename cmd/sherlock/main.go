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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/sherlock/pkg/analysis"
	"github.com/google/sherlock/pkg/config"
	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
	"github.com/google/sherlock/pkg/orchestrator"
	"github.com/google/sherlock/pkg/tracestore"
	"github.com/google/sherlock/pkg/transport"
)

const (
	modeDeviceManager = "device-manager"
	modeTraceAnalysis = "trace-analysis"

	drainTimeout = 5 * time.Minute
)

var (
	errFailedToLoadConfig   = fmt.Errorf("failed to load config")
	errUnknownMode          = fmt.Errorf("unknown mode")
	errCaptureConfigMissing = fmt.Errorf("capture configuration blob is required in device-manager mode")
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	mode := flag.String("mode", modeDeviceManager,
		fmt.Sprintf("operating mode: %s or %s", modeDeviceManager, modeTraceAnalysis))
	configPath := flag.String("config", "", "path to sherlock config file")
	tracesDir := flag.String("traces-directory", "", "directory where trace files are stored")
	captureConfig := flag.String("perfetto-config-file", "", "path to the capture configuration blob")
	operation := flag.String("operation", string(models.OperationTerminateCollect),
		"operation applied to running sessions on interrupt")
	modules := flag.String("module", analysis.AllModules,
		"comma-separated analysis modules to run (trace-analysis mode)")
	serials := flag.String("serial", "",
		"comma-separated device serials to restrict analysis to (trace-analysis mode)")
	reportDir := flag.String("report-directory", "",
		"directory for JSON analysis reports, defaults to the traces directory")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	ctx := context.Background()

	cfg := &orchestrator.Config{}

	if *configPath != "" {
		if err := config.NewLoader().Load(ctx, *configPath, cfg); err != nil {
			return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
		}
	}

	// Flags override file settings.
	if *tracesDir != "" {
		cfg.TracesDir = *tracesDir
	}

	if *captureConfig != "" {
		cfg.Capture.ConfigBlobPath = *captureConfig
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	if *verbose {
		logConfig.Debug = true
	}

	mainLogger, err := logger.NewComponentLogger("sherlock", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	switch *mode {
	case modeDeviceManager:
		if cfg.Capture.ConfigBlobPath == "" {
			return errCaptureConfigMissing
		}

		op, err := models.ParseOperation(*operation)
		if err != nil {
			return err
		}

		return runDeviceManager(ctx, cfg, op, mainLogger)

	case modeTraceAnalysis:
		reports := *reportDir
		if reports == "" {
			reports = cfg.TracesDir
		}

		return runTraceAnalysis(ctx, cfg, splitList(*modules), splitList(*serials), reports, mainLogger)

	default:
		return fmt.Errorf("%w: %s", errUnknownMode, *mode)
	}
}

// runDeviceManager monitors attached devices and keeps a capture
// session on each. An interrupt applies the selected operation; the
// process exits once every session is terminal (immediately for a
// restarting operation, where the next interrupt stops capture for
// good).
func runDeviceManager(ctx context.Context, cfg *orchestrator.Config, op models.Operation, mainLogger logger.Logger) error {
	store, err := tracestore.New(cfg.TracesDir, cfg.Capture.TraceExtension, cfg.CompressTraces, mainLogger)
	if err != nil {
		return err
	}

	adb := transport.NewADB(cfg.ADBPath, mainLogger)
	orch := orchestrator.New(cfg, adb, store, nil, mainLogger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	go func() {
		errCh <- orch.Start(runCtx)
	}()

	mainLogger.Info().Str("operation", string(op)).Msg("Start monitoring devices")

	for {
		select {
		case err := <-errCh:
			return err
		case <-sigCh:
		}

		mainLogger.Info().Str("operation", string(op)).Msg("Interrupt received, applying operation")
		orch.Trigger(op)

		if op == models.OperationTerminateCollectRestart {
			// Sessions restart after collection. Stay up until the
			// next interrupt, which falls through to the
			// terminate-and-collect exit below.
			op = models.OperationTerminateCollect
			continue
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)

		if err := orch.AwaitTerminal(drainCtx); err != nil {
			mainLogger.Warn().Err(err).Msg("Not all sessions reached a terminal state before shutdown")
		}

		drainCancel()

		if err := orch.Stop(context.Background()); err != nil {
			return err
		}

		summarize(orch.Snapshot(), mainLogger)

		return nil
	}
}

// runTraceAnalysis runs the selected modules over every locally stored
// trace file and writes one JSON report per device.
func runTraceAnalysis(ctx context.Context, cfg *orchestrator.Config, modules, serials []string, reportDir string, mainLogger logger.Logger) error {
	store, err := tracestore.New(cfg.TracesDir, cfg.Capture.TraceExtension, cfg.CompressTraces, mainLogger)
	if err != nil {
		return err
	}

	files, err := store.ListAll()
	if err != nil {
		return err
	}

	mainLogger.Info().Int("files", len(files)).Strs("modules", modules).
		Msg("Start analysing trace files")

	pipeline := analysis.NewPipeline(analysis.DefaultRegistry(), mainLogger)

	report, err := pipeline.Run(ctx, files, analysis.Select(modules...), serials)
	if err != nil {
		return err
	}

	if err := analysis.WriteReports(report, reportDir); err != nil {
		return err
	}

	for deviceID, findings := range report {
		mainLogger.Info().Str("device", deviceID).Int("findings", len(findings)).
			Msg("Analysis report written")
	}

	return nil
}

func summarize(sessions []models.SessionInfo, mainLogger logger.Logger) {
	for _, info := range sessions {
		event := mainLogger.Info().
			Str("device", info.DeviceID).
			Str("status", string(info.Status)).
			Int("windows", info.Windows).
			Int("traces", len(info.TracePaths))

		if info.Failure != models.FailureNone {
			event = event.Str("failure", string(info.Failure))
		}

		event.Msg("Session summary")
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
