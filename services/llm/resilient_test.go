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
	"strings"
	"testing"
	"time"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// =============================================================================
// Mock Clients
// =============================================================================

// scriptedStreamClient is a StreamingLLMClient that replays fixed fragments.
// The first failBefore calls fail with a transport-style error.
type scriptedStreamClient struct {
	fragments          []string
	failBefore         int
	failAfterFragments bool
	calls              int
}

func (s *scriptedStreamClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {
	s.calls++
	if s.calls <= s.failBefore {
		return "", errors.New("connection refused")
	}
	return strings.Join(s.fragments, ""), nil
}

func (s *scriptedStreamClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {
	return s.Generate(ctx, "", params)
}

func (s *scriptedStreamClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	s.calls++
	if s.calls <= s.failBefore {
		return errors.New("connection refused")
	}
	for _, f := range s.fragments {
		if err := callback(StreamEvent{Type: StreamEventToken, Content: f}); err != nil {
			return fmt.Errorf("stream callback failed: %w", err)
		}
	}
	if s.failAfterFragments {
		return errors.New("connection reset mid-stream")
	}
	return callback(StreamEvent{Type: StreamEventDone})
}

// staticClient is a plain LLMClient without streaming support.
type staticClient struct {
	response string
	err      error
	calls    int
}

func (s *staticClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {
	s.calls++
	return s.response, s.err
}

func (s *staticClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {
	s.calls++
	return s.response, s.err
}

// newFastResilient wraps a client with a short retry delay for tests.
func newFastResilient(inner LLMClient) *ResilientClient {
	client := NewResilientClient(inner)
	client.retryDelay = time.Millisecond
	return client
}

// collectStream drains a fragment channel into a slice.
func collectStream(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var got []string
	for fragment := range ch {
		got = append(got, fragment)
	}
	return got
}

// =============================================================================
// StreamCompletion Tests
// =============================================================================

func TestStreamCompletion_PassesFragments(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"Hello ", "world", "!"}}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if strings.Join(got, "") != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %q", strings.Join(got, ""))
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 backend call, got %d", inner.calls)
	}
}

func TestStreamCompletion_CutsAtEndMarker(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{
		"Hello ", "world ", "[END FINAL RESPONSE]", " trailing garbage",
	}}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	joined := strings.Join(got, "")
	if joined != "Hello world " {
		t.Errorf("Expected 'Hello world ', got %q", joined)
	}
	for _, fragment := range got {
		if strings.Contains(fragment, "[END FINAL RESPONSE]") {
			t.Errorf("End marker leaked into fragment %q", fragment)
		}
	}
}

func TestStreamCompletion_MarkerPrefixYielded(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{
		"Hello[END FINAL RESPONSE]junk", "never seen",
	}}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if len(got) != 1 || got[0] != "Hello" {
		t.Errorf("Expected [Hello], got %v", got)
	}
}

func TestStreamCompletion_StripsEndToken(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"Hel<|end|>lo", "<|end|>", "!"}}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	// The all-token fragment vanishes entirely; empties are never yielded.
	if len(got) != 2 || got[0] != "Hello" || got[1] != "!" {
		t.Errorf("Expected [Hello !], got %v", got)
	}
}

func TestStreamCompletion_RetriesBeforeFirstToken(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"ok"}, failBefore: 2}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("Expected [ok], got %v", got)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 backend calls (2 failures + success), got %d", inner.calls)
	}
}

func TestStreamCompletion_ExhaustionYieldsEmptyStream(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"never"}, failBefore: 100}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if len(got) != 0 {
		t.Errorf("Expected no fragments after exhaustion, got %v", got)
	}
	if inner.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", inner.calls)
	}
}

func TestStreamCompletion_NoRetryAfterDelivery(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"partial"}, failAfterFragments: true}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if len(got) != 1 || got[0] != "partial" {
		t.Errorf("Expected [partial], got %v", got)
	}
	if inner.calls != 1 {
		t.Errorf("Stream must not retry after delivering output, got %d calls", inner.calls)
	}
}

func TestStreamCompletion_NonStreamingFallback(t *testing.T) {
	t.Parallel()

	inner := &staticClient{response: "answer<|end|>[END FINAL RESPONSE]garbage"}
	client := newFastResilient(inner)

	ch, err := client.StreamCompletion(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	got := collectStream(t, ch)
	if len(got) != 1 || got[0] != "answer" {
		t.Errorf("Expected [answer], got %v", got)
	}
}

func TestStreamCompletion_NilContext(t *testing.T) {
	t.Parallel()

	client := newFastResilient(&staticClient{response: "x"})
	//nolint:staticcheck // nil context is the case under test
	_, err := client.StreamCompletion(nil, "hi", GenerationParams{})
	if err == nil {
		t.Error("StreamCompletion(nil ctx) should return error")
	}
}

func TestStreamCompletion_ContextCancelled(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"a", "b", "c"}}
	client := newFastResilient(inner)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.StreamCompletion(ctx, "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}

	// Consume one fragment, then cancel; the channel must close.
	<-ch
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Channel did not close after context cancellation")
		}
	}
}

// =============================================================================
// Generate / Chat Tests
// =============================================================================

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	inner := &scriptedStreamClient{fragments: []string{"ok[END FINAL RESPONSE]garbage"}, failBefore: 2}
	client := newFastResilient(inner)

	got, err := client.Generate(context.Background(), "hi", GenerationParams{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got != "ok" {
		t.Errorf("Expected 'ok', got %q", got)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", inner.calls)
	}
}

func TestGenerate_ExhaustionReturnsError(t *testing.T) {
	t.Parallel()

	inner := &staticClient{err: errors.New("boom")}
	client := newFastResilient(inner)

	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	if err == nil {
		t.Fatal("Generate should return error after exhaustion")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Error should mention attempt count, got: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", inner.calls)
	}
}

func TestChat_ScrubsMarkers(t *testing.T) {
	t.Parallel()

	inner := &staticClient{response: "fine<|end|> answer<|end|>"}
	client := newFastResilient(inner)

	got, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "hi"},
	}, GenerationParams{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if got != "fine answer" {
		t.Errorf("Expected 'fine answer', got %q", got)
	}
}

// =============================================================================
// ScrubResponse Tests
// =============================================================================

func TestScrubResponse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"clean text", "hello world", "hello world"},
		{"end token stripped", "hello<|end|> world", "hello world"},
		{"marker cuts tail", "answer[END FINAL RESPONSE]garbage", "answer"},
		{"marker with token", "a<|end|>b[END FINAL RESPONSE]c<|end|>d", "ab"},
		{"marker only", "[END FINAL RESPONSE]", ""},
		{"empty", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ScrubResponse(tc.input); got != tc.expected {
				t.Errorf("ScrubResponse(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
