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

// Package tracestore organizes captured trace files on local disk by
// device identifier and capture window. The directory layout is
// deterministic so an independent analysis run can discover trace files
// without coordinating with the orchestrator:
//
//	<root>/<device-id>/<window-start>-<suffix>.<ext>         (finalized)
//	<root>/<device-id>/<window-start>-<suffix>.<ext>.part    (collecting)
package tracestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/google/sherlock/pkg/logger"
	"github.com/google/sherlock/pkg/models"
)

const (
	windowFormat  = "2006-01-02-15-04-05"
	partialSuffix = ".part"
	suffixLen     = 8
)

var (
	// ErrStorageUnavailable wraps storage failures that are fatal for a
	// single session but never for the whole run.
	ErrStorageUnavailable = errors.New("storage unavailable")

	errRootUnusable = errors.New("trace directory root is unusable")
)

// Store owns the on-disk lifetime of trace files.
type Store struct {
	root     string
	compress bool
	ext      string
	logger   logger.Logger
}

// New creates a store rooted at root. An unusable root is a
// configuration-level error, fatal for the whole run.
func New(root, traceExtension string, compress bool, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", errRootUnusable, err)
	}

	return &Store{
		root:     root,
		compress: compress,
		ext:      "." + strings.TrimPrefix(traceExtension, "."),
		logger:   log,
	}, nil
}

// Root returns the capture directory root.
func (s *Store) Root() string {
	return s.root
}

// Allocate reserves a path for a new capture window of deviceID,
// creating parent directories as needed. The random suffix makes the
// path collision-proof, so a completed file for the same device and
// window is never overwritten.
func (s *Store) Allocate(deviceID string, windowStart time.Time) (string, error) {
	dir := filepath.Join(s.root, deviceID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	name := fmt.Sprintf("%s-%s%s%s", windowStart.UTC().Format(windowFormat), suffix, s.ext, partialSuffix)
	path := filepath.Join(dir, name)

	s.logger.Debug().Str("device", deviceID).Str("path", path).Msg("Allocated trace file")

	return path, nil
}

// Finalize marks a pulled trace file complete. The partial marker is
// dropped and, when compression is enabled, the file is rewritten as a
// zstd stream under the same name. Finalizing an already-final path is
// a no-op.
func (s *Store) Finalize(path string) (string, error) {
	if !strings.HasSuffix(path, partialSuffix) {
		return path, nil
	}

	final := strings.TrimSuffix(path, partialSuffix)

	if s.compress {
		if err := compressFile(path, final); err != nil {
			return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}

		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}

		return final, nil
	}

	if err := os.Rename(path, final); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return final, nil
}

// List returns the trace files for one device, oldest window first.
// Partial files are included, flagged incomplete, because they retain
// forensic value.
func (s *Store) List(deviceID string) ([]models.TraceFile, error) {
	dir := filepath.Join(s.root, deviceID)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("list traces for %s: %w", deviceID, err)
	}

	var files []models.TraceFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		complete := true

		if strings.HasSuffix(name, partialSuffix) {
			complete = false
			name = strings.TrimSuffix(name, partialSuffix)
		}

		if !strings.HasSuffix(name, s.ext) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		tf := models.TraceFile{
			DeviceID:    deviceID,
			Path:        filepath.Join(dir, entry.Name()),
			WindowStart: parseWindowStart(strings.TrimSuffix(name, s.ext)),
			SizeBytes:   info.Size(),
			Complete:    complete,
		}

		if complete {
			tf.WindowEnd = info.ModTime().UTC()
		}

		files = append(files, tf)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].WindowStart.Before(files[j].WindowStart)
	})

	return files, nil
}

// ListAll returns trace files for every device found under the root.
func (s *Store) ListAll() ([]models.TraceFile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list trace root: %w", err)
	}

	var files []models.TraceFile

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		deviceFiles, err := s.List(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, deviceFiles...)
	}

	return files, nil
}

// Devices returns the device identifiers that have at least one stored
// trace file.
func (s *Store) Devices() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list trace root: %w", err)
	}

	var devices []string

	for _, entry := range entries {
		if entry.IsDir() {
			devices = append(devices, entry.Name())
		}
	}

	sort.Strings(devices)

	return devices, nil
}

func parseWindowStart(name string) time.Time {
	// <window-start>-<suffix>
	if len(name) < len(windowFormat)+1+suffixLen {
		return time.Time{}
	}

	ts, err := time.Parse(windowFormat, name[:len(windowFormat)])
	if err != nil {
		return time.Time{}
	}

	return ts
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}

	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()

		return err
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
