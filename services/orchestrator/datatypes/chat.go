// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the memory service.
//
// This file contains request types for the streaming chat endpoint and the
// SSE frame envelope streamed back to clients. For persisted session and
// message records, see session.go.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Input Bounds
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single chat message.
	// Unbounded message input is rejected before any model call.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxIdentifierLength bounds user and thread identifiers.
	MaxIdentifierLength = 128
)

// =============================================================================
// Response Modes
// =============================================================================

// Response modes tune both retrieval depth and the query rewriter. The mode
// names are shared with the rewriter; "expansive" is rewriter-only and not
// accepted on the chat surface.
const (
	ModePrecise   = "precise"
	ModeBalanced  = "balanced"
	ModeCreative  = "creative"
	ModeExpansive = "expansive"
)

// RetainedResultsForMode returns how many ranked candidates the orchestrator
// keeps after the combined rescore for a given chat mode.
func RetainedResultsForMode(mode string) int {
	switch mode {
	case ModePrecise:
		return 8
	case ModeCreative:
		return 15
	default:
		return 12
	}
}

// =============================================================================
// Validation Setup
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	if err := chatValidate.RegisterValidation("maxbytes", validateMaxBytes); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validator: %v", err))
	}
}

// validateMaxBytes checks that a string field does not exceed
// MaxMessageContentBytes when encoded as UTF-8.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the body of POST /v1/chat.
//
// # Description
//
// One user turn against a session. The orchestrator retrieves memory scoped
// to the caller's tenant, streams the model's answer as SSE frames, and
// persists both sides of the exchange in the background after the stream
// closes.
//
// # Fields
//
//   - ThreadID: the session this turn belongs to; create via
//     POST /v1/create_session.
//   - UserID: the calling user; doubles as the chat-history tenant.
//   - Message: the user's utterance.
//   - UseFileRAG: when true, retrieval also consults the file-content
//     collection populated by document ingestion.
//   - Mode: precise, balanced (default), or creative.
type ChatRequest struct {
	ThreadID   string `json:"thread_id" validate:"required,max=128"`
	UserID     string `json:"user_id" validate:"required,max=128"`
	Message    string `json:"message" validate:"required,min=1,maxbytes"`
	UseFileRAG bool   `json:"use_file_rag,omitempty"`
	Mode       string `json:"mode,omitempty" validate:"omitempty,oneof=precise balanced creative"`
}

// Validate checks the request against its constraints. Call EnsureDefaults
// first if the caller may omit optional fields.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("chat request validation failed: %w", err)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("chat request validation failed: message is blank")
	}
	return nil
}

// EnsureDefaults fills optional fields with their documented defaults.
func (r *ChatRequest) EnsureDefaults() {
	if r.Mode == "" {
		r.Mode = ModeBalanced
	}
}

// =============================================================================
// SSE Stream Frames
// =============================================================================

// Stream frame types. A client sees zero or more token frames, then at most
// one rag_results frame, then exactly one of done or error.
const (
	FrameTypeToken      = "token"
	FrameTypeRAGResults = "rag_results"
	FrameTypeDone       = "done"
	FrameTypeError      = "error"
)

// StreamFrame is the JSON document carried by one SSE data line.
//
// Exactly one of Content or FullResponse is populated depending on Type:
// token and error frames carry a string Content, rag_results carries a
// []SourceInfo Content, and done carries FullResponse.
type StreamFrame struct {
	Type         string `json:"type"`
	Content      any    `json:"content,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

// NewTokenFrame wraps one model fragment.
func NewTokenFrame(fragment string) StreamFrame {
	return StreamFrame{Type: FrameTypeToken, Content: fragment}
}

// NewRAGResultsFrame wraps the retrieval evidence shown to the client after
// the token stream completes.
func NewRAGResultsFrame(sources []SourceInfo) StreamFrame {
	if sources == nil {
		sources = []SourceInfo{}
	}
	return StreamFrame{Type: FrameTypeRAGResults, Content: sources}
}

// NewDoneFrame carries the cleaned full response text. Terminal on success.
func NewDoneFrame(fullResponse string) StreamFrame {
	return StreamFrame{Type: FrameTypeDone, FullResponse: fullResponse}
}

// NewErrorFrame carries a sanitized error message. Terminal on failure.
func NewErrorFrame(message string) StreamFrame {
	return StreamFrame{Type: FrameTypeError, Content: message}
}
