// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// maxStreamLineBytes bounds a single NDJSON/SSE line. Ollama chunks are
// small, but a pathological server must not be able to grow the scanner
// buffer without limit.
const maxStreamLineBytes = 1024 * 1024

// =============================================================================
// Stream Configuration
// =============================================================================

// StreamConfig controls how streamed model output is shaped before it
// reaches the caller.
//
// # Description
//
// The zero value applies no redaction and no limits. DefaultStreamConfig
// adds a response-length ceiling suitable for chat traffic.
type StreamConfig struct {
	// RedactThinking drops thinking tokens instead of emitting
	// StreamEventThinking events. Use for clients that must never see
	// model reasoning.
	RedactThinking bool

	// MaxThinkingLength caps the cumulative thinking text in bytes.
	// 0 means unlimited.
	MaxThinkingLength int

	// MaxResponseLength caps the cumulative response text in bytes. The
	// fragment that crosses the limit is truncated to fit and the stream
	// is cut off afterwards. 0 means unlimited.
	MaxResponseLength int

	// RateLimitPerSecond throttles emitted token and thinking events.
	// 0 disables throttling.
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the configuration used by ChatStream.
//
// # Outputs
//
//   - StreamConfig: no redaction, no thinking limit, no rate limit, and a
//     100KB response ceiling.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:     false,
		MaxThinkingLength:  0,
		RateLimitPerSecond: 0,
		MaxResponseLength:  100 * 1024,
	}
}

// =============================================================================
// Stream Chunk
// =============================================================================

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat response.
type ollamaStreamChunk struct {
	Model         string            `json:"model,omitempty"`
	CreatedAt     string            `json:"created_at,omitempty"`
	Message       datatypes.Message `json:"message"`
	Thinking      string            `json:"thinking,omitempty"`
	Error         string            `json:"error,omitempty"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
}

// parseStreamChunk decodes a single NDJSON line into a stream chunk.
//
// # Inputs
//
//   - line: Raw bytes of one line, without the trailing newline.
//
// # Outputs
//
//   - *ollamaStreamChunk: Parsed chunk.
//   - error: Non-nil when the line is not a JSON object.
func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("parsing stream chunk: %w", err)
	}
	return &chunk, nil
}

// =============================================================================
// Stream Processor
// =============================================================================

// DefaultStreamProcessor applies a StreamConfig to a sequence of chunks and
// drives the caller's StreamCallback.
//
// # Description
//
// The processor tracks cumulative response and thinking lengths so that
// limits apply across the whole stream, not per chunk. The fragment that
// crosses MaxResponseLength is truncated so the total lands exactly on the
// limit.
//
// # Thread Safety
//
// Not safe for concurrent use. Create one processor per stream.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	logger         *slog.Logger
	limiter        *rate.Limiter
	tokenCount     int
	responseLength int
	thinkingLength int
}

// NewDefaultStreamProcessor creates a processor for one stream.
//
// # Inputs
//
//   - cfg: Shaping rules for this stream.
//   - logger: Destination for skip/truncation warnings. Nil uses
//     slog.Default().
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return &DefaultStreamProcessor{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
	}
}

// ProcessChunk shapes one chunk and forwards the resulting events.
//
// # Description
//
// Error chunks emit a StreamEventError and terminate the stream with a
// non-nil error. Thinking tokens are redacted or truncated per the config.
// Content tokens are truncated to the response budget. A done chunk emits
// StreamEventDone and reports done=true with no error.
//
// # Inputs
//
//   - ctx: Used by the rate limiter; also aborts throttled waits.
//   - chunk: Parsed stream chunk. Must not be nil.
//   - callback: Receiver for shaped events.
//
// # Outputs
//
//   - bool: True when the stream is complete (done chunk, error chunk, or
//     exhausted response budget).
//   - error: Non-nil on error chunks or when the callback fails.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk,
	callback StreamCallback) (bool, error) {

	if chunk == nil {
		return false, fmt.Errorf("chunk must not be nil")
	}

	if chunk.Error != "" {
		event := StreamEvent{Type: StreamEventError, Error: chunk.Error}
		if err := callback(event); err != nil {
			return true, fmt.Errorf("stream callback failed: %w", err)
		}
		return true, fmt.Errorf("ollama stream error: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := chunk.Thinking
		if p.cfg.MaxThinkingLength > 0 {
			remaining := p.cfg.MaxThinkingLength - p.thinkingLength
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.thinkingLength += len(content)
			if err := p.emit(ctx, StreamEvent{Type: StreamEventThinking, Content: content}, callback); err != nil {
				return false, err
			}
		}
	}

	if chunk.Message.Content != "" {
		content := chunk.Message.Content
		if p.cfg.MaxResponseLength > 0 {
			remaining := p.cfg.MaxResponseLength - p.responseLength
			if remaining <= 0 {
				p.logger.Warn("Response length limit reached, cutting stream",
					slog.Int("limit", p.cfg.MaxResponseLength))
				return true, nil
			}
			if len(content) > remaining {
				content = content[:remaining]
			}
		}
		p.tokenCount++
		p.responseLength += len(content)
		if err := p.emit(ctx, StreamEvent{Type: StreamEventToken, Content: content}, callback); err != nil {
			return false, err
		}
	}

	if chunk.Done {
		if chunk.DoneReason != "" && chunk.DoneReason != "stop" {
			p.logger.Debug("Stream finished early", slog.String("done_reason", chunk.DoneReason))
		}
		if err := callback(StreamEvent{Type: StreamEventDone}); err != nil {
			return true, fmt.Errorf("stream callback failed: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// emit throttles and delivers a single token or thinking event.
func (p *DefaultStreamProcessor) emit(ctx context.Context, event StreamEvent,
	callback StreamCallback) error {

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("stream rate limiter: %w", err)
		}
	}
	if err := callback(event); err != nil {
		return fmt.Errorf("stream callback failed: %w", err)
	}
	return nil
}

// GetTokenCount returns the number of content fragments emitted so far.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength returns the cumulative emitted response length in bytes.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLength
}

// =============================================================================
// Streaming Chat
// =============================================================================

// ChatStream streams a chat completion with the default stream config.
//
// # Description
//
// POSTs to /api/chat with stream=true and consumes the NDJSON response
// line-by-line, forwarding shaped events to callback. Malformed lines are
// skipped with a warning; empty lines are ignored. The stream ends on a
// done chunk, an error chunk, a callback error, or context cancellation.
//
// # Inputs
//
//   - ctx: Cancels the request and the body read.
//   - messages: Conversation history in wire order.
//   - params: Generation parameters; ModelOverride routes to another model.
//   - callback: Receiver for stream events. Returning an error aborts.
//
// # Outputs
//
//   - error: Non-nil on transport failure, non-200 status, in-stream error,
//     callback error, or context cancellation (errors.Is-compatible).
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams a chat completion with explicit shaping rules.
//
// See ChatStream for the streaming contract.
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    true,
		Options:   buildOllamaOptions(params),
		KeepAlive: params.KeepAlive,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat stream request: %w", err)
	}

	chatURL := o.baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create chat stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return fmt.Errorf("ollama chat stream: %w", ctx.Err())
		}
		return fmt.Errorf("failed to send chat stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			if hint := modelNotFoundHint(body, model); hint != nil {
				slog.Warn("Ollama model not found", "model", model)
				return hint
			}
		}
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return fmt.Errorf("ollama chat stream failed with status %d: %s", resp.StatusCode, string(body))
	}

	processor := NewDefaultStreamProcessor(cfg, nil)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := o.parseStreamChunk(line)
		if err != nil {
			slog.Warn("Skipping malformed stream chunk", "error", err)
			continue
		}
		done, err := processor.ProcessChunk(ctx, chunk, callback)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if done {
			span.SetAttributes(attribute.Int("llm.stream_tokens", processor.GetTokenCount()))
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return fmt.Errorf("ollama chat stream: %w", ctx.Err())
		}
		return fmt.Errorf("reading chat stream: %w", err)
	}
	// Upstream closed without a done chunk; surface cancellation if that
	// is what cut the body short.
	if ctx.Err() != nil {
		return fmt.Errorf("ollama chat stream: %w", ctx.Err())
	}
	span.SetAttributes(attribute.Int("llm.stream_tokens", processor.GetTokenCount()))
	return nil
}
