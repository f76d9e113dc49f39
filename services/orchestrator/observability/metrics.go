// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the streaming chat path (request counts, token counts,
// latency to first token, stream duration, active streams) and the tool
// gateway (per-tool call counts and durations). Everything is exposed on
// /metrics for Prometheus scraping.
//
// All operations are safe for concurrent use via Prometheus's own locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "engram"

const (
	streamingSubsystem = "streaming"
	toolsSubsystem     = "tools"
	tasksSubsystem     = "tasks"
)

// Metrics holds every Prometheus collector the orchestrator records into.
// Initialize once at startup via InitMetrics; handlers reach it through
// DefaultMetrics and tolerate nil so tests can run unregistered.
type Metrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	// Labels: endpoint (chat_stream), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts streamed fragments by direction.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first token frame.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint (chat_stream, tools_ws, events_ws)
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and category.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE heartbeat comments sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// ToolCallsTotal counts gateway tool invocations.
	// Labels: tool, status (ok, error, denied)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDurationSeconds measures tool handler latency.
	// Labels: tool
	ToolCallDurationSeconds *prometheus.HistogramVec

	// PersistFailuresTotal counts background persist halves that failed
	// after the client already received done.
	// Labels: half (relational, vector)
	PersistFailuresTotal *prometheus.CounterVec

	// TaskDropsTotal counts background tasks refused by a full queue.
	TaskDropsTotal prometheus.Counter
}

// DefaultMetrics is the processwide instance, set by InitMetrics. Handlers
// check it for nil before recording.
var DefaultMetrics *Metrics

// InitMetrics registers all collectors on the default registry and installs
// the singleton. Call exactly once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Streamed token fragments by direction",
			},
			[]string{"direction"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Latency from request to the first token frame",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Currently open streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Streaming errors by endpoint and category",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE heartbeat comments sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that dropped before the stream finished",
			},
			[]string{"endpoint"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: toolsSubsystem,
				Name:      "calls_total",
				Help:      "Gateway tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: toolsSubsystem,
				Name:      "call_duration_seconds",
				Help:      "Tool handler latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"tool"},
		),

		PersistFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "persist_failures_total",
				Help:      "Background persist halves that failed after done was sent",
			},
			[]string{"half"},
		),

		TaskDropsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "drops_total",
				Help:      "Background tasks refused because the queue was full",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode categorizes a streaming failure for the errors_total counter.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates a model backend failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeRetrieval indicates an evidence retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeTimeout indicates an operation deadline was exceeded.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodePersist indicates the background persist failed.
	ErrorCodePersist ErrorCode = "persist_error"

	// ErrorCodeInternal indicates an unclassified server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client dropped mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels a streaming surface for metrics.
type Endpoint string

const (
	// EndpointChatStream is the SSE chat endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointToolsWS is the tool gateway WebSocket RPC endpoint.
	EndpointToolsWS Endpoint = "tools_ws"

	// EndpointEventsWS is the event bus WebSocket bridge.
	EndpointEventsWS Endpoint = "events_ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one completed streaming request.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a categorized streaming failure.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens adds to the token counters. Either count may be zero.
func (m *Metrics) RecordTokens(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// StreamStarted increments the active stream gauge for the endpoint.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active stream gauge for the endpoint.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records latency to the first token frame.
func (m *Metrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records total stream duration.
func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive counts one heartbeat comment.
func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts one mid-stream client drop.
func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordToolCall records one gateway tool invocation. status is one of
// "ok", "error", or "denied".
func (m *Metrics) RecordToolCall(tool, status string, seconds float64) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDurationSeconds.WithLabelValues(tool).Observe(seconds)
}

// RecordPersistFailure counts a failed background persist half; half is
// "relational" or "vector".
func (m *Metrics) RecordPersistFailure(half string) {
	m.PersistFailuresTotal.WithLabelValues(half).Inc()
}

// RecordTaskDrop counts one background task refused by a full queue.
func (m *Metrics) RecordTaskDrop() {
	m.TaskDropsTotal.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
