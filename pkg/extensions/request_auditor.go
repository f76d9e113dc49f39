// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// =============================================================================
// Raw Capture Types
// =============================================================================

// HTTPHeaders represents HTTP headers as a map.
//
// Using a defined type provides clearer intent and allows future extension
// with helper methods if needed.
type HTTPHeaders map[string]string

// Get retrieves a header value by key (case-sensitive).
func (h HTTPHeaders) Get(key string) string {
	return h[key]
}

// Set adds or updates a header value.
func (h HTTPHeaders) Set(key, value string) {
	h[key] = value
}

// AuditableRequest contains raw request data for audit capture.
//
// Handlers create this struct with the raw request body and pass it to the
// RequestAuditor before any parsing. Persistent implementations hash the
// body, optionally encrypt it, and write it to append-only storage; the
// default implementation discards it.
//
// Example:
//
//	req := &AuditableRequest{
//	    Method:    "POST",
//	    Path:      "/v1/chat",
//	    Headers:   HTTPHeaders{"Content-Type": "application/json"},
//	    Body:      rawRequestBytes,
//	    UserID:    authInfo.UserID,
//	    SessionID: threadID,
//	    RequestID: requestID,
//	    Timestamp: time.Now().UTC(),
//	}
//	auditID, err := auditor.CaptureRequest(ctx, req)
type AuditableRequest struct {
	// Method is the HTTP method (GET, POST, etc.)
	Method string

	// Path is the request path (e.g., "/v1/chat").
	Path string

	// Headers contains the HTTP request headers.
	// Sensitive headers (Authorization) must be redacted by the caller.
	Headers HTTPHeaders

	// Body is the raw request body bytes, exactly as received.
	Body []byte

	// UserID identifies who made the request, from AuthInfo.
	UserID string

	// SessionID is the conversation session identifier (if applicable).
	SessionID string

	// RequestID is the unique identifier for this request.
	RequestID string

	// Timestamp is when the request was received (always UTC).
	Timestamp time.Time
}

// AuditableResponse contains raw response data for audit capture. The
// auditID from CaptureRequest links the request and response together.
//
// For streaming endpoints (SSE), the handler accumulates all frames and
// passes the concatenated body at the end of the stream.
type AuditableResponse struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Headers contains the HTTP response headers.
	Headers HTTPHeaders

	// Body is the raw response body bytes.
	// For streaming responses, this is all frames concatenated.
	Body []byte

	// Timestamp is when the response was sent (always UTC).
	Timestamp time.Time
}

// =============================================================================
// Hash Chain Types
// =============================================================================

// HashChainEntry represents a single entry in a tamper-evident audit chain.
//
// Hash chains prove the order and integrity of events. Each entry's hash
// incorporates the previous entry's hash, so inserting, deleting, or
// modifying any historical record breaks the chain:
//
//	Entry N chain hash = SHA256(Entry N-1 chain hash + Entry N content hash)
//
// Example:
//
//	entry := HashChainEntry{
//	    SessionID:    "sess-123",
//	    SequenceNum:  5,
//	    ContentHash:  "abc123...",
//	    PreviousHash: "def456...",
//	    ChainHash:    "ghi789...",
//	    Timestamp:    time.Now().UTC(),
//	    ContentType:  "conversation_turn",
//	    Metadata:     NewMetadata().Set("user_id", "user-456"),
//	}
type HashChainEntry struct {
	// SessionID identifies the chain this entry belongs to.
	// Each session has its own independent hash chain.
	SessionID string

	// SequenceNum is the position in the chain (1-indexed).
	// Used to verify chain completeness and ordering.
	SequenceNum int

	// ContentHash is the hash of the content being recorded.
	// For conversation turns: SHA256(question + answer).
	// For requests: SHA256(request body).
	ContentHash string

	// PreviousHash is the ChainHash of the preceding entry.
	// Empty string for the first entry in a chain (SequenceNum == 1).
	PreviousHash string

	// ChainHash is the cumulative hash incorporating all previous entries:
	// SHA256(PreviousHash + ContentHash). This is the value stored and
	// used for verification.
	ChainHash string

	// Timestamp is when this entry was created (always UTC).
	Timestamp time.Time

	// ContentType describes what kind of content was hashed.
	// Examples: "conversation_turn", "request", "response", "sse_frame"
	ContentType string

	// Metadata contains additional context about the entry,
	// e.g. user_id, request_id, turn_number.
	Metadata Metadata
}

// ChainVerificationResult contains the outcome of hash chain verification.
//
// Example:
//
//	result, _ := auditor.VerifyChain(ctx, sessionID)
//	if !result.IsValid {
//	    log.Error("chain integrity violation",
//	        "break_point", result.BreakPoint,
//	        "expected", result.ExpectedHash,
//	        "actual", result.ActualHash,
//	    )
//	}
type ChainVerificationResult struct {
	// IsValid is true if the entire chain is intact.
	IsValid bool

	// TotalEntries is the number of entries verified.
	TotalEntries int

	// BreakPoint is the sequence number where integrity failed.
	// Only meaningful when IsValid is false; zero means the chain is
	// valid or empty.
	BreakPoint int

	// ExpectedHash is what the hash should be at BreakPoint.
	ExpectedHash string

	// ActualHash is what the hash actually was at BreakPoint.
	ActualHash string

	// Message provides human-readable verification status.
	Message string
}

// =============================================================================
// RequestAuditor Interface
// =============================================================================

// RequestAuditor provides tamper-evident audit logging via hash chains.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Default Behavior
//
// The NopRequestAuditor accepts all entries and always reports chains as
// valid, so local deployments run without cryptographic audit
// infrastructure. Persistent implementations write to append-only storage.
//
// # Usage
//
//	entry := HashChainEntry{
//	    SessionID:   sessionID,
//	    SequenceNum: turnNumber,
//	    ContentHash: responseHash,
//	    Timestamp:   time.Now().UTC(),
//	    ContentType: "conversation_turn",
//	}
//	if err := auditor.RecordEntry(ctx, entry); err != nil {
//	    log.Error("audit recording failed", "error", err)
//	}
//
// # Limitations
//
//   - Cannot prevent real-time tampering (only detect after the fact).
//   - Chain verification requires all entries (no partial verification).
//   - Storage grows linearly with entries.
type RequestAuditor interface {
	// CaptureRequest records the raw request for audit purposes.
	//
	// Called at the START of request processing with the raw request
	// body, before any parsing. Returns an auditID that must be passed
	// to CaptureResponse to link the pair.
	CaptureRequest(ctx context.Context, req *AuditableRequest) (string, error)

	// CaptureResponse completes the audit record started by
	// CaptureRequest. For SSE responses, the body is the concatenation
	// of every frame written to the client.
	CaptureResponse(ctx context.Context, auditID string, resp *AuditableResponse) error

	// RecordEntry appends one entry to a session's hash chain.
	//
	// Implementations should verify that entry.PreviousHash matches the
	// stored last hash before persisting, and reject the entry on a
	// continuity violation.
	RecordEntry(ctx context.Context, entry HashChainEntry) error

	// GetLastEntry returns the most recent chain entry for a session,
	// or nil if the session has no chain yet. Callers use it to fill
	// PreviousHash and SequenceNum on the next entry.
	GetLastEntry(ctx context.Context, sessionID string) (*HashChainEntry, error)

	// VerifyChain walks a session's chain from the first entry and
	// recomputes every link.
	VerifyChain(ctx context.Context, sessionID string) (*ChainVerificationResult, error)

	// GetChainLength returns the number of entries in a session's chain.
	GetChainLength(ctx context.Context, sessionID string) (int, error)
}

// =============================================================================
// No-Op Implementation
// =============================================================================

// NopRequestAuditor accepts everything and stores nothing.
//
// Thread-safe: this implementation has no mutable state.
type NopRequestAuditor struct{}

// CaptureRequest discards the request and returns an empty auditID.
func (a *NopRequestAuditor) CaptureRequest(_ context.Context, _ *AuditableRequest) (string, error) {
	return "", nil
}

// CaptureResponse discards the response.
func (a *NopRequestAuditor) CaptureResponse(_ context.Context, _ string, _ *AuditableResponse) error {
	return nil
}

// RecordEntry discards the entry.
func (a *NopRequestAuditor) RecordEntry(_ context.Context, _ HashChainEntry) error {
	return nil
}

// GetLastEntry reports an empty chain for every session.
func (a *NopRequestAuditor) GetLastEntry(_ context.Context, _ string) (*HashChainEntry, error) {
	return nil, nil
}

// VerifyChain reports every chain as valid and empty.
func (a *NopRequestAuditor) VerifyChain(_ context.Context, _ string) (*ChainVerificationResult, error) {
	return &ChainVerificationResult{
		IsValid:      true,
		TotalEntries: 0,
		Message:      "no-op auditor: nothing recorded, nothing to verify",
	}, nil
}

// GetChainLength reports zero entries for every session.
func (a *NopRequestAuditor) GetChainLength(_ context.Context, _ string) (int, error) {
	return 0, nil
}

// Compile-time interface compliance check.
var _ RequestAuditor = (*NopRequestAuditor)(nil)
