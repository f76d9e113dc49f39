// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// GenerationParams tunes a single model call. Nil pointer fields fall back
// to per-backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// NumCtx sets the model context window for backends that support it.
	// Ollama resets to its 4096 default whenever a request omits it, so
	// callers that loaded a model with a larger window must pass it on
	// every call.
	NumCtx *int `json:"num_ctx,omitempty"`

	// KeepAlive controls how long an Ollama model stays resident after the
	// call ("-1" = forever, "5m", "0" = unload). Empty leaves the server
	// default in place.
	KeepAlive string `json:"keep_alive,omitempty"`

	// ModelOverride routes this call to a specific model instead of the
	// client's configured default.
	ModelOverride string `json:"-"`
}

// LLMClient is the standard interface for any text-generation backend.
type LLMClient interface {
	// Generate completes a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	// Chat completes a conversation with message history.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}

// StreamingLLMClient is implemented by backends that can deliver the
// response incrementally.
type StreamingLLMClient interface {
	LLMClient
	// ChatStream streams the response token-by-token through callback.
	// A callback error cancels the stream.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// StreamEventType discriminates the events a streaming backend emits.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of the final response text.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking carries a fragment of model reasoning, when the
	// backend exposes it and redaction is off.
	StreamEventThinking StreamEventType = "thinking"
	// StreamEventDone marks the end of a successful stream.
	StreamEventDone StreamEventType = "done"
	// StreamEventError carries an in-band failure reported by the backend.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives stream events in arrival order. Returning a
// non-nil error aborts the stream.
type StreamCallback func(event StreamEvent) error
