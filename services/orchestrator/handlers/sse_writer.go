// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream frames to an HTTP response in Server-Sent Events
// format.
//
// # Description
//
// The chat stream uses data-only SSE: every frame is one
// "data: {json}\n\n" block whose type field identifies it (token,
// rag_results, done, error). There is no "event:" line; clients dispatch on
// the JSON, which keeps the wire format identical for SSE and WebSocket
// consumers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The streaming handler
// writes tokens from the model drain goroutine while a ticker goroutine
// emits keep-alives.
type SSEWriter interface {
	// WriteFrame serializes one frame and flushes it immediately.
	WriteFrame(frame datatypes.StreamFrame) error

	// WriteToken emits one model fragment.
	WriteToken(content string) error

	// WriteRAGResults emits the retrieval evidence for the turn.
	WriteRAGResults(sources []datatypes.SourceInfo) error

	// WriteDone emits the terminal success frame carrying the cleaned
	// full response text. No frames may follow it.
	WriteDone(fullResponse string) error

	// WriteError emits the terminal failure frame. The message must
	// already be sanitized for clients.
	WriteError(message string) error

	// WriteKeepAlive sends an SSE comment (": ping") to hold the
	// connection open through proxy idle timeouts. Comments are invisible
	// to SSE clients and carry no frame.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter. Writes are
// serialized by a mutex and flushed per frame so tokens reach the client as
// they arrive rather than when a buffer fills.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller sets the
// stream headers first via SetSSEHeaders. Fails when the writer cannot
// flush, since unflushed SSE defeats the point of streaming.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteFrame serializes the frame and writes one SSE data block.
func (w *sseWriter) WriteFrame(frame datatypes.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteFrame(datatypes.NewTokenFrame(content))
}

func (w *sseWriter) WriteRAGResults(sources []datatypes.SourceInfo) error {
	return w.WriteFrame(datatypes.NewRAGResultsFrame(sources))
}

func (w *sseWriter) WriteDone(fullResponse string) error {
	return w.WriteFrame(datatypes.NewDoneFrame(fullResponse))
}

func (w *sseWriter) WriteError(message string) error {
	return w.WriteFrame(datatypes.NewErrorFrame(message))
}

// WriteKeepAlive sends an SSE comment line. Comments bypass frame encoding
// entirely; they exist to reset load balancer idle timers.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response headers for SSE streaming. Must run
// before the first write. X-Accel-Buffering disables nginx response
// buffering, which would otherwise batch tokens.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
