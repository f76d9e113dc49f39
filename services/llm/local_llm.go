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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var localTracer = otel.Tracer("engram.llm.local")

// LocalLlamaCppClient talks to a llama.cpp style server exposing the
// /completion endpoint.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type llamaCppResp struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func NewLocalLlamaCppClient() (*LocalLlamaCppClient, error) {
	baseURL := os.Getenv("LLM_SERVICE_URL_BASE")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

// buildPayload maps GenerationParams onto the llama.cpp request body,
// filling server defaults for unset fields.
func (l *LocalLlamaCppClient) buildPayload(prompt string, params GenerationParams) llamaCppPayload {
	payload := llamaCppPayload{Prompt: prompt}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	} else {
		payload.NPredict = 512
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		defaultTemperature := float32(0.2)
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	} else {
		defaultTopK := 20
		payload.TopK = &defaultTopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	} else {
		defaultTopP := float32(0.9)
		payload.TopP = &defaultTopP
	}
	if len(params.Stop) > 0 {
		payload.Stop = params.Stop
	} else {
		payload.Stop = []string{"\n"}
	}
	return payload
}

// Generate implements the LLMClient interface
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := localTracer.Start(ctx, "LocalLlamaCppClient.Generate")
	defer span.End()

	completionURL := l.baseURL + "/completion"
	payload := l.buildPayload(prompt, params)

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the completion payload: %w", err)
	}
	slog.Debug("Calling llama.cpp completion", "url", completionURL)

	req, err := http.NewRequestWithContext(ctx, "POST", completionURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return "", fmt.Errorf("llm completion failed with status %d: %s", resp.StatusCode, string(body))
	}

	var llmResponseBody llamaCppResp
	if err := json.Unmarshal(body, &llmResponseBody); err != nil {
		return "", fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return llmResponseBody.Content, nil
}

// Chat implements the LLMClient interface by flattening the history into a
// single prompt. llama.cpp servers apply their own chat template only on
// /v1/chat/completions, which this client does not use.
func (l *LocalLlamaCppClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {
	return l.Generate(ctx, flattenMessages(messages), params)
}

// ChatStream streams a completion over the /completion SSE endpoint.
//
// Each SSE data line is a JSON object with a content fragment; a line with
// stop=true ends the stream. Thinking tokens are not surfaced by llama.cpp,
// so only StreamEventToken events are emitted.
func (l *LocalLlamaCppClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := localTracer.Start(ctx, "LocalLlamaCppClient.ChatStream")
	defer span.End()

	completionURL := l.baseURL + "/completion"
	payload := l.buildPayload(flattenMessages(messages), params)
	payload.Stream = true

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal the completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", completionURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return fmt.Errorf("llm completion stream: %w", ctx.Err())
		}
		return fmt.Errorf("failed to open the completion stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return fmt.Errorf("llm completion stream failed with status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var chunk llamaCppResp
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed completion stream line", "error", err)
			continue
		}
		if chunk.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Content}); err != nil {
				return fmt.Errorf("stream callback failed: %w", err)
			}
		}
		if chunk.Stop {
			if err := callback(StreamEvent{Type: StreamEventDone}); err != nil {
				return fmt.Errorf("stream callback failed: %w", err)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("llm completion stream: %w", ctx.Err())
		}
		span.RecordError(err)
		return fmt.Errorf("reading completion stream: %w", err)
	}
	return nil
}

// flattenMessages renders a conversation as role-prefixed lines for
// backends that only accept a flat prompt.
func flattenMessages(messages []datatypes.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
