// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// This struct captures the information needed for security audits,
// compliance reporting, and incident investigation.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Authentication: "auth.key_created", "auth.failed", "auth.rate_limited"
//   - Tenant lifecycle: "agent.create", "agent.delete", "tenant.switch"
//   - Data Access: "memory.search", "memory.add", "memory.delete"
//   - Chat: "chat.message", "chat.response", "chat.blocked"
//   - System: "system.start", "system.stop", "system.error"
//
// # Compliance Fields
//
// For regulatory compliance, always populate:
//   - UserID: required for right-to-know requests
//   - Timestamp: required for audit trail integrity
//   - ResourceType/ResourceID: required for data lineage
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "memory.search",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       authInfo.UserID,
//	    Action:       "read",
//	    ResourceType: "collection",
//	    ResourceID:   tenantID,
//	    Outcome:      "success",
//	    Metadata: map[string]any{
//	        "query_length": len(query),
//	        "top_k":        topK,
//	    },
//	}
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "auth.failed", "memory.add").
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "anonymous" if unknown.
	UserID string

	// Action describes what operation was attempted.
	// Common values: "create", "read", "update", "delete", "send", "receive"
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "message", "session", "collection", "agent", "key"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	// Examples: "sess-456", "agent_a", "key-9f2c"
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "success", "failure", "blocked", "error"
	Outcome string

	// Metadata holds additional event-specific data.
	//
	// Common metadata keys:
	//   - "error": error message if Outcome is "failure" or "error"
	//   - "ip_address": client IP for security analysis
	//   - "duration_ms": operation duration
	//   - "session_id": conversation session
	//   - "tenant_id": memory collection involved
	Metadata map[string]any
}

// AuditFilter defines criteria for querying audit events.
//
// All fields are optional; only non-zero values are used as filters.
// Multiple fields are combined with AND logic.
//
// Example:
//
//	// Find all rate-limit denials in the last hour
//	filter := AuditFilter{
//	    EventTypes: []string{"auth.rate_limited"},
//	    StartTime:  time.Now().Add(-time.Hour),
//	    EndTime:    time.Now(),
//	}
//	events, err := auditor.Query(ctx, filter)
type AuditFilter struct {
	// EventTypes limits results to specific event types.
	// If empty, all event types are included.
	EventTypes []string

	// UserID limits results to events from a specific user.
	UserID string

	// StartTime is the earliest event timestamp to include (inclusive).
	// If zero, no lower bound is applied.
	StartTime time.Time

	// EndTime is the latest event timestamp to include (exclusive).
	// If zero, no upper bound is applied.
	EndTime time.Time

	// ResourceType limits results to events involving a resource category.
	ResourceType string

	// ResourceID limits results to events involving a specific resource.
	ResourceID string

	// Outcome limits results to events with a specific outcome.
	Outcome string

	// Limit is the maximum number of events to return.
	// If zero, an implementation-specific default is used.
	Limit int

	// Offset is the number of events to skip (for pagination).
	Offset int
}

// AuditLogger records security-relevant events for compliance and analysis.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The Log method should be non-blocking or have reasonable timeouts to
// avoid impacting the request path.
//
// # Default Behavior
//
// The NopAuditLogger discards all events, which is appropriate for local
// single-user deployments where audit trails aren't required.
//
// # Sync vs Async
//
// Implementations may choose sync or async logging:
//   - Sync: blocks until the event is persisted (safer, slower)
//   - Async: returns immediately, buffers events (faster, may lose events)
//
// For compliance-critical events, sync logging is recommended.
type AuditLogger interface {
	// Log records a security-relevant event.
	//
	// Implementations should:
	//  1. Set Timestamp if zero.
	//  2. Validate required fields (EventType, UserID).
	//  3. Persist or transmit the event.
	//  4. Return quickly (use async if needed).
	Log(ctx context.Context, event AuditEvent) error

	// Query retrieves audit events matching the filter criteria,
	// ordered by Timestamp descending.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush ensures all buffered events are persisted. Call this before
	// shutdown to prevent event loss. Sync implementations may no-op.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events without recording them.
//
// Thread-safe: this implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event without recording it.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice (no events are stored).
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance check.
var _ AuditLogger = (*NopAuditLogger)(nil)
