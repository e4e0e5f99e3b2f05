// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events persists forward-round telemetry as JSON lines for
// offline analysis. Sinks are best-effort: a write failure is logged
// and swallowed so the query pipeline never stalls on disk trouble.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

// Sink receives completed forward events.
type Sink interface {
	Log(event *datatypes.ForwardEvent)
	Close() error
}

// =============================================================================
// File Sink
// =============================================================================

// FileSink appends one JSON object per event to a log file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

var _ Sink = (*FileSink)(nil)

// NewFileSink opens (or creates) events.jsonl under dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	slog.Info("Logging forward events", "path", path)
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

// Log implements Sink.
func (s *FileSink) Log(event *datatypes.ForwardEvent) {
	if event == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		slog.Warn("Failed to persist forward event", "error", err)
	}
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// =============================================================================
// Nop Sink
// =============================================================================

// NopSink discards events. Used when event logging is disabled.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Log(*datatypes.ForwardEvent) {}
func (NopSink) Close() error                { return nil }
