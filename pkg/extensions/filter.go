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
	"errors"
)

// ErrMessageBlocked is returned when a message is rejected by the filter.
// Implementations should wrap this error with the reason.
//
// Example:
//
//	if containsSecret(msg) {
//	    return "", fmt.Errorf("message contains credentials: %w", ErrMessageBlocked)
//	}
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult contains the outcome of a filter operation.
//
// This struct provides detailed information about what the filter did,
// useful for debugging, audit trails, and user feedback.
//
// Example:
//
//	result := FilterResult{
//	    Original:    "My SSN is 123-45-6789",
//	    Filtered:    "My SSN is [REDACTED]",
//	    WasModified: true,
//	    Detections: []Detection{
//	        {Type: "ssn", Location: "position 10-21", Action: "redacted"},
//	    },
//	}
type FilterResult struct {
	// Original is the input message before filtering.
	Original string

	// Filtered is the message after filtering transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates if the message was completely rejected.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the message was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the message.
	// Useful for audit logging and debugging.
	Detections []Detection
}

// Detection describes a single item found by the filter.
type Detection struct {
	// Type categorizes what was detected.
	// Common types: "ssn", "credit_card", "email", "phone", "api_key",
	// "pii", "secret", "prompt_injection"
	Type string

	// Location describes where in the message the item was found.
	// Format is implementation-specific (e.g., "characters 10-20").
	Location string

	// Action describes what was done with the detected item.
	// Values: "redacted", "masked", "replaced", "blocked", "flagged"
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: may contain sensitive data - handle carefully.
	Original string

	// Replacement is what the content was replaced with (Action "replaced").
	Replacement string
}

// MessageFilter transforms messages before and after model processing.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Filter Pipeline
//
// Messages flow through filters at three points in this service:
//
//  1. FilterInput: the user's chat message, before retrieval or inference.
//  2. FilterContext: retrieved memory snippets, before prompt assembly.
//  3. FilterOutput: the assembled model answer, before persistence.
//
// # Default Behavior
//
// The NopMessageFilter passes all messages through unchanged, which is
// appropriate for local single-user deployments.
//
// # Blocking vs Transforming
//
// Filters can either:
//   - Transform: modify content and allow it through (e.g., redact SSN)
//   - Block: reject the entire message (e.g., policy violation)
//
// To block, return a FilterResult with WasBlocked=true and BlockReason
// set. The caller then returns ErrMessageBlocked to the user and never
// forwards the content to the model.
type MessageFilter interface {
	// FilterInput processes a user message before model inference.
	//
	// Returns:
	//   - *FilterResult: the filtered message and metadata
	//   - error: non-nil only for filter failures (not for blocks)
	//
	// If WasBlocked is true, the caller should:
	//  1. Log the block via AuditLogger.
	//  2. Return ErrMessageBlocked to the user.
	//  3. NOT send the message to the model.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes a model response before returning it to the
	// user or persisting it.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes retrieved memory or system prompts before
	// they are injected into the conversation.
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter passes all messages through unchanged without any
// transformation or blocking.
//
// Thread-safe: this implementation has no mutable state.
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{
		Original:    message,
		Filtered:    message,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{
		Original:    message,
		Filtered:    message,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return &FilterResult{
		Original:    contextMsg,
		Filtered:    contextMsg,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// Compile-time interface compliance check.
var _ MessageFilter = (*NopMessageFilter)(nil)
