// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// EventWriter writes stream events to an SSE connection.
//
// # Description
//
// Every event is serialized as one SSE frame of the form
//
//	data: {"type":"token","content":"..."}\n\n
//
// and flushed immediately so tokens reach the browser as they arrive.
// Keep-alive comments hold proxies open during long upstream waits.
//
// # Thread Safety
//
// Safe for concurrent use. The heartbeat goroutine and the relay
// share one writer.
type EventWriter interface {
	// WriteEvent serializes and writes one event, then flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive writes an SSE comment frame that clients ignore.
	WriteKeepAlive() error
}

type eventWriter struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter wraps an http.ResponseWriter for SSE output.
//
// Returns an error when the underlying writer does not support
// flushing, which streaming requires.
func NewEventWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &eventWriter{writer: w, flusher: flusher}, nil
}

func (w *eventWriter) WriteEvent(event datatypes.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", event.Type, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *eventWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keep-alive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response for server-sent events.
// Must be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Compile-time interface check
var _ EventWriter = (*eventWriter)(nil)
