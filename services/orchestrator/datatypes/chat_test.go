// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ChatRequest Validation Tests
// =============================================================================

func TestChatRequest_Validate_Success(t *testing.T) {
	req := &ChatRequest{
		ThreadID: "550e8400-e29b-41d4-a716-446655440000",
		UserID:   "user_1",
		Message:  "What did Alice propose?",
	}
	req.EnsureDefaults()

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatRequest_Validate_MissingThreadID(t *testing.T) {
	req := &ChatRequest{UserID: "user_1", Message: "Hello"}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing thread_id, got nil")
	}
}

func TestChatRequest_Validate_MissingUserID(t *testing.T) {
	req := &ChatRequest{ThreadID: "t1", Message: "Hello"}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing user_id, got nil")
	}
}

func TestChatRequest_Validate_BlankMessage(t *testing.T) {
	req := &ChatRequest{ThreadID: "t1", UserID: "user_1", Message: "   "}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected error for blank message, got nil")
	}
}

func TestChatRequest_Validate_MessageTooLarge(t *testing.T) {
	req := &ChatRequest{
		ThreadID: "t1",
		UserID:   "user_1",
		Message:  strings.Repeat("a", MaxMessageContentBytes+1),
	}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized message, got nil")
	}
}

func TestChatRequest_Validate_MessageAtLimit(t *testing.T) {
	req := &ChatRequest{
		ThreadID: "t1",
		UserID:   "user_1",
		Message:  strings.Repeat("a", MaxMessageContentBytes),
	}
	req.EnsureDefaults()

	if err := req.Validate(); err != nil {
		t.Errorf("expected message at exactly the limit to pass, got: %v", err)
	}
}

func TestChatRequest_Validate_UnknownMode(t *testing.T) {
	req := &ChatRequest{ThreadID: "t1", UserID: "user_1", Message: "Hello", Mode: "expansive"}

	if err := req.Validate(); err == nil {
		t.Error("expected error for rewriter-only mode on the chat surface, got nil")
	}
}

func TestChatRequest_EnsureDefaults_SetsBalancedMode(t *testing.T) {
	req := &ChatRequest{ThreadID: "t1", UserID: "user_1", Message: "Hello"}

	req.EnsureDefaults()

	if req.Mode != ModeBalanced {
		t.Errorf("expected default mode %q, got %q", ModeBalanced, req.Mode)
	}
}

func TestRetainedResultsForMode(t *testing.T) {
	tests := []struct {
		mode string
		want int
	}{
		{ModePrecise, 8},
		{ModeBalanced, 12},
		{ModeCreative, 15},
		{"", 12},
	}

	for _, tt := range tests {
		if got := RetainedResultsForMode(tt.mode); got != tt.want {
			t.Errorf("RetainedResultsForMode(%q) = %d, want %d", tt.mode, got, tt.want)
		}
	}
}

// =============================================================================
// Stream Frame Tests
// =============================================================================

func TestNewTokenFrame_Marshal(t *testing.T) {
	frame := NewTokenFrame("Hello ")

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != FrameTypeToken {
		t.Errorf("expected type %q, got %v", FrameTypeToken, decoded["type"])
	}
	if decoded["content"] != "Hello " {
		t.Errorf("expected content preserved verbatim, got %v", decoded["content"])
	}
	if _, present := decoded["full_response"]; present {
		t.Error("token frame must not carry full_response")
	}
}

func TestNewDoneFrame_Marshal(t *testing.T) {
	frame := NewDoneFrame("Hello world")

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != FrameTypeDone {
		t.Errorf("expected type %q, got %v", FrameTypeDone, decoded["type"])
	}
	if decoded["full_response"] != "Hello world" {
		t.Errorf("expected full_response, got %v", decoded["full_response"])
	}
}

func TestNewRAGResultsFrame_NilBecomesEmptyArray(t *testing.T) {
	frame := NewRAGResultsFrame(nil)

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(raw), `"content":[]`) {
		t.Errorf("expected empty array content, got %s", raw)
	}
}

func TestNewErrorFrame_CarriesMessage(t *testing.T) {
	frame := NewErrorFrame("upstream unavailable")

	if frame.Type != FrameTypeError {
		t.Errorf("expected type %q, got %q", FrameTypeError, frame.Type)
	}
	if frame.Content != "upstream unavailable" {
		t.Errorf("expected message preserved, got %v", frame.Content)
	}
}
