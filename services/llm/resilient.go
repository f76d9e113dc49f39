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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// EndFinalResponseMarker terminates a model response. Prompts instruct the
// model to emit it after the answer; everything from the marker onward is
// discarded before text reaches a caller.
const EndFinalResponseMarker = "[END FINAL RESPONSE]"

// endToken is emitted by some chat templates and must never reach clients.
const endToken = "<|end|>"

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// errStreamComplete aborts an inner stream once the end marker is seen.
var errStreamComplete = errors.New("stream complete")

// =============================================================================
// Resilient Client
// =============================================================================

// ResilientClient wraps a backend with retry and marker hygiene. It is the
// entry point all orchestrator components use; nothing should call a raw
// backend directly.
//
// # Description
//
// Retry applies to whole calls: a failed Generate or Chat is retried up to
// three times with a one second pause. Streams are only retried while no
// fragment has been delivered; once the caller has seen output, a failure
// simply ends the stream. Marker hygiene removes every endToken occurrence
// and cuts the response at the first EndFinalResponseMarker.
//
// # Thread Safety
//
// Safe for concurrent use as long as the wrapped client is.
type ResilientClient struct {
	inner       LLMClient
	maxAttempts int
	retryDelay  time.Duration
}

var _ LLMClient = (*ResilientClient)(nil)

// NewResilientClient wraps a backend client.
//
// # Inputs
//
//   - inner: Any LLMClient. Backends that also implement
//     StreamingLLMClient stream natively; others fall back to a single
//     Generate call per stream.
func NewResilientClient(inner LLMClient) *ResilientClient {
	return &ResilientClient{
		inner:       inner,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
}

// ScrubResponse removes stop-marker artifacts from a complete response:
// the text is cut at the first EndFinalResponseMarker and every endToken
// occurrence is removed.
func ScrubResponse(text string) string {
	scrubbed, _ := scrubFragment(text)
	return scrubbed
}

// scrubFragment strips endToken from one fragment and reports whether the
// end-of-response marker was found. Text after the marker is dropped.
func scrubFragment(fragment string) (string, bool) {
	if idx := strings.Index(fragment, EndFinalResponseMarker); idx >= 0 {
		return strings.ReplaceAll(fragment[:idx], endToken, ""), true
	}
	return strings.ReplaceAll(fragment, endToken, ""), false
}

// Generate implements the LLMClient interface with retry and scrubbing.
func (r *ResilientClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		text, err := r.inner.Generate(ctx, prompt, params)
		if err == nil {
			return ScrubResponse(text), nil
		}
		lastErr = err
		slog.Warn("LLM generate attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < r.maxAttempts {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("llm generate failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// Chat implements the LLMClient interface with retry and scrubbing.
func (r *ResilientClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		text, err := r.inner.Chat(ctx, messages, params)
		if err == nil {
			return ScrubResponse(text), nil
		}
		lastErr = err
		slog.Warn("LLM chat attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < r.maxAttempts {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("llm chat failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// StreamCompletion streams a completion for a single prompt.
//
// # Description
//
// Returns a channel of non-empty, scrubbed text fragments in arrival
// order. The channel closes on upstream completion, on the end marker, on
// context cancellation, or after transport retries are exhausted. An
// exhausted stream closes with no fragments; callers treat that as a soft
// failure and degrade rather than error.
//
// # Inputs
//
//   - ctx: Cancels the stream; the channel closes shortly after.
//   - prompt: Prompt text, sent as a single user message on streaming
//     backends.
//   - params: Generation parameters passed through to the backend.
//
// # Outputs
//
//   - <-chan string: Fragment channel. Always non-nil when error is nil.
//   - error: Non-nil only for a nil context.
//
// # Limitations
//
//   - The end marker is detected per fragment; a marker split across two
//     fragments passes through. Upstream templates emit it as one token.
func (r *ResilientClient) StreamCompletion(ctx context.Context, prompt string,
	params GenerationParams) (<-chan string, error) {

	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for attempt := 1; attempt <= r.maxAttempts; attempt++ {
			delivered, err := r.streamOnce(ctx, prompt, params, out)
			if err == nil {
				return
			}
			if delivered {
				// The caller already consumed part of the response;
				// retrying would splice two generations together.
				slog.Warn("LLM stream failed mid-response, ending stream",
					slog.String("error", err.Error()),
				)
				return
			}
			slog.Warn("LLM stream attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if attempt < r.maxAttempts {
				select {
				case <-time.After(r.retryDelay):
				case <-ctx.Done():
					return
				}
			}
		}
		slog.Warn("LLM stream attempts exhausted, yielding empty stream")
	}()
	return out, nil
}

// streamOnce runs a single streaming attempt, reporting whether any
// fragment reached the output channel.
func (r *ResilientClient) streamOnce(ctx context.Context, prompt string,
	params GenerationParams, out chan<- string) (bool, error) {

	streamer, ok := r.inner.(StreamingLLMClient)
	if !ok {
		text, err := r.inner.Generate(ctx, prompt, params)
		if err != nil {
			return false, err
		}
		fragment := ScrubResponse(text)
		if fragment == "" {
			return false, nil
		}
		select {
		case out <- fragment:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	delivered := false
	messages := []datatypes.Message{{Role: datatypes.ChatRoleUser, Content: prompt}}
	err := streamer.ChatStream(ctx, messages, params, func(event StreamEvent) error {
		if event.Type != StreamEventToken {
			return nil
		}
		fragment, sawEnd := scrubFragment(event.Content)
		if fragment != "" {
			select {
			case out <- fragment:
				delivered = true
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if sawEnd {
			return errStreamComplete
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamComplete) {
		return delivered, err
	}
	return delivered, nil
}
