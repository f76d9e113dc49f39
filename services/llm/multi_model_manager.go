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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// =============================================================================
// Multi-Model Manager
// =============================================================================

// MultiModelManager coordinates multiple Ollama models to prevent thrashing.
//
// # Description
//
// Ollama by default unloads models when a different model is requested.
// A deployment that answers chat with one model and extracts memories with
// a smaller one alternates between them on every turn, which causes
// constant reload churn. MultiModelManager uses keep_alive to keep the
// working set loaded in VRAM.
//
// # Thread Safety
//
// MultiModelManager is safe for concurrent use.
//
// # Example
//
//	mgr := NewMultiModelManager("http://localhost:11434")
//	err := mgr.WarmModels(ctx, []ModelWarmupConfig{
//	    {Model: "qwen3:8b", KeepAlive: "-1", Priority: 2, NumCtx: 32768},
//	    {Model: "qwen3:1.7b", KeepAlive: "-1", Priority: 1, NumCtx: 8192},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Both models stay resident; chat and memory extraction no longer
//	// evict each other.
//	resp, err := mgr.Chat(ctx, "qwen3:1.7b", messages, params)
type MultiModelManager struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]*ManagedModel
	mu         sync.RWMutex
	logger     *slog.Logger
}

// ManagedModel tracks a model's lifecycle state.
//
// # Description
//
// Tracks whether a model is loaded, when it was loaded, and its keep_alive
// setting. Used by MultiModelManager to manage model lifecycle and surface
// warming problems.
type ManagedModel struct {
	// Name is the model identifier (e.g., "qwen3:8b").
	Name string `json:"name"`

	// KeepAlive is the keep_alive setting for this model.
	// "-1" = infinite, "5m" = 5 minutes, "0" = unload immediately.
	KeepAlive string `json:"keep_alive"`

	// IsLoaded indicates whether the model is currently loaded in VRAM.
	IsLoaded bool `json:"is_loaded"`

	// LoadedAt is when the model was loaded into VRAM.
	LoadedAt time.Time `json:"loaded_at"`

	// LastUsed is when the model was last used for inference.
	LastUsed time.Time `json:"last_used"`

	// LoadDuration is how long it took to load the model.
	LoadDuration time.Duration `json:"load_duration"`

	// WarmupError contains any error from the warmup attempt.
	WarmupError error `json:"-"`
}

// ModelWarmupConfig specifies how to warm a model.
type ModelWarmupConfig struct {
	// Model is the model name (e.g., "qwen3:8b").
	Model string

	// KeepAlive controls how long the model stays loaded.
	// "-1" = infinite (recommended for multi-model), "5m" = 5 minutes.
	KeepAlive string

	// Priority determines loading order. Higher = load first.
	Priority int

	// NumCtx is the context window size for this model. MUST be set to
	// prevent Ollama from loading with its default 4096 window.
	NumCtx int
}

// NewMultiModelManager creates a manager for coordinating Ollama models.
//
// # Inputs
//
//   - baseURL: Ollama server URL (e.g., "http://localhost:11434").
func NewMultiModelManager(baseURL string) *MultiModelManager {
	return &MultiModelManager{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for model loading
		},
		models: make(map[string]*ManagedModel),
		logger: slog.Default(),
	}
}

// WarmModels pre-loads multiple models into VRAM.
//
// # Description
//
// Loads models by sending minimal requests with keep_alive set. Models are
// loaded sequentially in priority order (highest first) to avoid VRAM
// contention; this removes cold-start latency on the first real request.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - configs: Models to warm with their configurations.
//
// # Outputs
//
//   - error: Non-nil if any model fails to load.
//
// # Limitations
//
//   - If VRAM is insufficient, later models may evict earlier ones.
func (m *MultiModelManager) WarmModels(ctx context.Context, configs []ModelWarmupConfig) error {
	if len(configs) == 0 {
		return nil
	}

	sorted := make([]ModelWarmupConfig, len(configs))
	copy(sorted, configs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	m.logger.Info("Warming models",
		slog.Int("count", len(configs)),
	)

	for _, cfg := range sorted {
		if err := m.WarmModel(ctx, cfg.Model, cfg.KeepAlive, cfg.NumCtx); err != nil {
			m.logger.Error("Failed to warm model",
				slog.String("model", cfg.Model),
				slog.String("error", err.Error()),
			)
			m.mu.Lock()
			if managed, ok := m.models[cfg.Model]; ok {
				managed.WarmupError = err
			}
			m.mu.Unlock()
			return fmt.Errorf("warming model %s: %w", cfg.Model, err)
		}
	}

	return nil
}

// WarmModel loads a single model into VRAM with keep_alive.
//
// # Description
//
// Sends a minimal chat request to load the model and set keep_alive. Uses
// a one-word ping message to minimize token usage.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - model: Model name (e.g., "qwen3:8b").
//   - keepAlive: Keep alive setting ("-1" for infinite).
//   - numCtx: Context window to load with; 0 leaves the server default.
func (m *MultiModelManager) WarmModel(ctx context.Context, model string, keepAlive string, numCtx int) error {
	startTime := time.Now()

	m.logger.Info("Warming model",
		slog.String("model", model),
		slog.String("keep_alive", keepAlive),
		slog.Int("num_ctx", numCtx),
	)

	options := make(map[string]interface{})
	if numCtx > 0 {
		options["num_ctx"] = numCtx
	}

	req := ollamaChatRequest{
		Model: model,
		Messages: []datatypes.Message{
			{Role: datatypes.ChatRoleUser, Content: "ping"},
		},
		Stream:    false,
		KeepAlive: keepAlive,
		Options:   options,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling warmup request: %w", err)
	}

	chatURL := m.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("creating warmup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending warmup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("warmup failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Drain response body
	_, _ = io.ReadAll(resp.Body)

	loadDuration := time.Since(startTime)

	m.mu.Lock()
	m.models[model] = &ManagedModel{
		Name:         model,
		KeepAlive:    keepAlive,
		IsLoaded:     true,
		LoadedAt:     time.Now(),
		LastUsed:     time.Now(),
		LoadDuration: loadDuration,
	}
	m.mu.Unlock()

	m.logger.Info("Model warmed successfully",
		slog.String("model", model),
		slog.Duration("load_duration", loadDuration),
	)

	return nil
}

// Chat sends a chat request to a specific model.
//
// # Description
//
// Routes the request to the specified model, preserving the keep_alive
// that the model was warmed with, and updates its last-used timestamp.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout.
//   - model: Which model to use (e.g., "qwen3:1.7b").
//   - messages: Conversation history.
//   - params: Generation parameters.
//
// # Outputs
//
//   - string: Response content.
//   - error: Non-nil on failure.
//
// # Thread Safety
//
// This method is safe for concurrent use.
func (m *MultiModelManager) Chat(ctx context.Context, model string,
	messages []datatypes.Message, params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "MultiModelManager.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	m.mu.RLock()
	managed, exists := m.models[model]
	keepAlive := ""
	if exists {
		keepAlive = managed.KeepAlive
	}
	m.mu.RUnlock()

	if params.KeepAlive == "" && keepAlive != "" {
		params.KeepAlive = keepAlive
	}

	payload := ollamaChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    false,
		Options:   buildOllamaOptions(params),
		KeepAlive: params.KeepAlive,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	chatURL := m.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	m.mu.Lock()
	if managed, ok := m.models[model]; ok {
		managed.LastUsed = time.Now()
	}
	m.mu.Unlock()

	return chatResp.Message.Content, nil
}

// GetLoadedModels returns currently tracked models.
//
// # Description
//
// Returns a snapshot of all models that have been warmed or used. This
// does not query Ollama; it reflects tracked state only.
func (m *MultiModelManager) GetLoadedModels() []ManagedModel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	models := make([]ManagedModel, 0, len(m.models))
	for _, managed := range m.models {
		models = append(models, *managed)
	}
	return models
}

// UnloadModel explicitly unloads a model from VRAM.
//
// # Description
//
// Sends a request with keep_alive="0" to immediately unload the model.
// Used during shutdown so the GPU is handed back promptly.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - model: Model to unload.
func (m *MultiModelManager) UnloadModel(ctx context.Context, model string) error {
	m.logger.Info("Unloading model", slog.String("model", model))

	req := ollamaChatRequest{
		Model: model,
		Messages: []datatypes.Message{
			{Role: datatypes.ChatRoleUser, Content: "bye"},
		},
		Stream:    false,
		KeepAlive: "0", // Unload immediately
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling unload request: %w", err)
	}

	chatURL := m.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("creating unload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending unload request: %w", err)
	}
	defer resp.Body.Close()

	// Drain and ignore response - we just want the side effect
	_, _ = io.ReadAll(resp.Body)

	m.mu.Lock()
	if managed, ok := m.models[model]; ok {
		managed.IsLoaded = false
	}
	m.mu.Unlock()

	return nil
}
