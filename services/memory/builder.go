// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory turns raw dialogue into atomic memory entries.
//
// The Builder batches dialogues into windows, asks the LLM to restate each
// window as a JSON array of self-contained entries (pronouns resolved,
// relative times made absolute), embeds the restatements, and persists them
// to the current tenant's collection. Windows that repeatedly fail to parse
// are dropped and logged rather than guessed at.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

var tracer = otel.Tracer("engram.memory")

var (
	// ErrBuilderClosed is returned by AddDialogue and Flush after Close.
	ErrBuilderClosed = errors.New("memory builder is closed")

	// ErrNoTenant is returned when no tenant is selected on the store the
	// builder draws its windows' tenants from.
	ErrNoTenant = errors.New("no tenant selected")
)

// Mode selects how dialogues move from intake to processing.
type Mode string

const (
	// ModeImmediate transforms and persists every dialogue on its own.
	ModeImmediate Mode = "immediate"

	// ModeWindow buffers WindowSize dialogues per tenant and processes each
	// full window synchronously inside the AddDialogue call that filled it.
	ModeWindow Mode = "window"

	// ModeParallel buffers like ModeWindow but processes full windows on a
	// bounded worker pool, with LLM calls paced by a rate limiter.
	ModeParallel Mode = "parallel"
)

// GenerateFunc invokes the model with a prompt and a response token budget.
//
// A function type instead of an interface lets callers pass a closure over
// whatever client they hold, without adapter structs.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// EntryStore is the slice of the vector store the builder uses: the current
// tenant selection and entry persistence.
type EntryStore interface {
	CurrentTenant() string
	Handle() vectorstore.CollectionHandle
	AddEntries(ctx context.Context, h vectorstore.CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error)
}

// Config tunes a Builder. Zero values fall back to defaults.
type Config struct {
	// Mode is the processing mode; immediate when empty.
	Mode Mode

	// WindowSize is how many dialogues fill a window in the windowed modes.
	WindowSize int

	// Workers bounds concurrent window processing in ModeParallel.
	Workers int

	// LLMCallsPerSecond paces model calls in ModeParallel.
	LLMCallsPerSecond float64

	// MaxTokens is the response budget for one window transformation.
	MaxTokens int

	// CallTimeout bounds a single model call.
	CallTimeout time.Duration

	// ParseAttempts is how many model calls a window gets before it is
	// dropped.
	ParseAttempts int

	// ContextEntries is how many recent restatements per tenant are shown
	// to the model as duplication context.
	ContextEntries int

	// PromptDir optionally holds a memory_builder.txt template override,
	// hot-reloaded on change.
	PromptDir string
}

// DefaultConfig returns the standard builder parameters.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeImmediate,
		WindowSize:        5,
		Workers:           4,
		LLMCallsPerSecond: 2,
		MaxTokens:         2048,
		CallTimeout:       60 * time.Second,
		ParseAttempts:     3,
		ContextEntries:    5,
	}
}

// ConfigFromEnv layers MEMORY_WINDOW_SIZE, MEMORY_PARALLEL_WORKERS, and
// ENGRAM_PROMPT_DIR over the defaults. Unset or unparseable values keep the
// default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("MEMORY_WINDOW_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.WindowSize = n
		}
	}
	if raw := os.Getenv("MEMORY_PARALLEL_WORKERS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	cfg.PromptDir = os.Getenv("ENGRAM_PROMPT_DIR")
	return cfg
}

// pendingWindow is a partially filled window plus the tenant context it was
// buffered under. The handle is captured at buffer time so a tenant switch
// between buffering and processing cannot redirect the writes.
type pendingWindow struct {
	tenant string
	h      vectorstore.CollectionHandle
	items  []datatypes.Dialogue
}

// Builder converts dialogues into persisted memory entries. Safe for
// concurrent use.
type Builder struct {
	cfg      Config
	generate GenerateFunc
	embedder vectorstore.Embedder
	store    EntryStore
	prompts  *PromptSource

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingWindow
	recent  map[string][]string

	closed atomic.Bool
}

// NewBuilder wires a builder to its model, embedder, and store. Zero config
// fields fall back to DefaultConfig.
func NewBuilder(generate GenerateFunc, embedder vectorstore.Embedder, store EntryStore, cfg Config) (*Builder, error) {
	if generate == nil {
		return nil, fmt.Errorf("builder config: generate function is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("builder config: embedder is required")
	}
	if store == nil {
		return nil, fmt.Errorf("builder config: entry store is required")
	}

	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	switch cfg.Mode {
	case ModeImmediate, ModeWindow, ModeParallel:
	default:
		return nil, fmt.Errorf("builder config: unknown mode %q", cfg.Mode)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LLMCallsPerSecond <= 0 {
		cfg.LLMCallsPerSecond = def.LLMCallsPerSecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ParseAttempts <= 0 {
		cfg.ParseAttempts = def.ParseAttempts
	}
	if cfg.ContextEntries <= 0 {
		cfg.ContextEntries = def.ContextEntries
	}

	prompts, err := NewPromptSource(cfg.PromptDir)
	if err != nil {
		return nil, err
	}

	return &Builder{
		cfg:      cfg,
		generate: generate,
		embedder: embedder,
		store:    store,
		prompts:  prompts,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.LLMCallsPerSecond), 1),
		pending:  make(map[string]*pendingWindow),
		recent:   make(map[string][]string),
	}, nil
}

// AddDialogue feeds one dialogue to the builder under the store's current
// tenant. In immediate mode the dialogue is transformed and persisted before
// AddDialogue returns; in window mode the call that fills a window processes
// it synchronously; in parallel mode full windows are handed to the worker
// pool and AddDialogue returns immediately.
func (b *Builder) AddDialogue(ctx context.Context, d datatypes.Dialogue) error {
	if b.closed.Load() {
		return ErrBuilderClosed
	}
	if err := d.Validate(); err != nil {
		return err
	}
	tenant := b.store.CurrentTenant()
	if tenant == "" {
		return ErrNoTenant
	}
	h := b.store.Handle()

	switch b.cfg.Mode {
	case ModeImmediate:
		return b.processWindow(ctx, &pendingWindow{tenant: tenant, h: h, items: []datatypes.Dialogue{d}})
	case ModeWindow:
		if full := b.buffer(tenant, h, d); full != nil {
			return b.processWindow(ctx, full)
		}
		return nil
	default: // ModeParallel
		if full := b.buffer(tenant, h, d); full != nil {
			b.launch(full)
		}
		return nil
	}
}

// Flush synchronously processes every partially filled window. Call before
// shutdown so buffered dialogues are not lost; in parallel mode follow with
// Wait for the in-flight windows.
func (b *Builder) Flush(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBuilderClosed
	}
	b.mu.Lock()
	windows := make([]*pendingWindow, 0, len(b.pending))
	for _, w := range b.pending {
		windows = append(windows, w)
	}
	b.pending = make(map[string]*pendingWindow)
	b.mu.Unlock()

	var firstErr error
	for _, w := range windows {
		if err := b.processWindow(ctx, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wait blocks until all in-flight parallel windows finish.
func (b *Builder) Wait() {
	b.wg.Wait()
}

// Close stops intake and the prompt watcher, then waits for in-flight work.
// It does not flush partial windows; call Flush first to keep them.
func (b *Builder) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.wg.Wait()
	b.prompts.Close()
}

// buffer appends a dialogue to its tenant's window and returns the window
// once full, removing it from the pending set.
func (b *Builder) buffer(tenant string, h vectorstore.CollectionHandle, d datatypes.Dialogue) *pendingWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.pending[tenant]
	if w == nil {
		w = &pendingWindow{tenant: tenant, h: h}
		b.pending[tenant] = w
	}
	w.items = append(w.items, d)
	if len(w.items) < b.cfg.WindowSize {
		return nil
	}
	delete(b.pending, tenant)
	return w
}

// launch hands a full window to the worker pool.
func (b *Builder) launch(w *pendingWindow) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// Detached from the AddDialogue call: the window outlives the
		// request that filled it. Every stage below carries its own timeout.
		ctx := context.Background()
		if err := b.sem.Acquire(ctx, 1); err != nil {
			slog.Error("Failed to acquire memory worker slot", "tenant", w.tenant, "error", err)
			return
		}
		defer b.sem.Release(1)
		if err := b.processWindow(ctx, w); err != nil {
			slog.Error("Failed to process dialogue window",
				"tenant", w.tenant, "dialogues", len(w.items), "error", err)
		}
	}()
}

// processWindow runs the transform-embed-persist pipeline for one window.
// Parse and model failures are retried up to ParseAttempts times; after that
// the window is dropped with a log line. Embedding and persistence failures
// are returned: the window content is already transformed, so the caller may
// retry without burning model calls.
func (b *Builder) processWindow(ctx context.Context, w *pendingWindow) error {
	ctx, span := tracer.Start(ctx, "memory.BuildWindow")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", w.tenant),
		attribute.Int("dialogues", len(w.items)),
	)

	prompt := b.prompts.Render(w.items, b.recentFor(w.tenant))

	var entries []datatypes.MemoryEntry
	var lastErr error
	for attempt := 1; attempt <= b.cfg.ParseAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		response, err := b.generateOnce(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		parsed, err := parseEntries(response)
		if err != nil {
			lastErr = err
			continue
		}
		entries = parsed
		break
	}
	if entries == nil {
		// Guessed restatements poison retrieval; losing the window is the
		// lesser failure.
		span.RecordError(lastErr)
		slog.Warn("Dropped dialogue window",
			"tenant", w.tenant, "dialogues", len(w.items),
			"attempts", b.cfg.ParseAttempts, "error", lastErr)
		return nil
	}

	texts := make([]string, len(entries))
	for i := range entries {
		entries[i].TenantID = w.tenant
		entries[i].Source = "dialogue"
		texts[i] = entries[i].LosslessRestatement
	}

	vectors, err := b.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to embed %d entries: %w", len(entries), err)
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("embedding count mismatch: %d vectors for %d entries", len(vectors), len(entries))
	}
	for i := range entries {
		entries[i].DenseVector = vectors[i]
	}

	if _, err := b.store.AddEntries(ctx, w.h, entries); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to persist %d entries: %w", len(entries), err)
	}

	b.remember(w.tenant, texts)
	span.SetAttributes(attribute.Int("entries", len(entries)))
	slog.Debug("Built memory entries",
		"tenant", w.tenant, "dialogues", len(w.items), "entries", len(entries))
	return nil
}

// generateOnce runs a single model call under the call timeout, paced by the
// rate limiter in parallel mode.
func (b *Builder) generateOnce(ctx context.Context, prompt string) (string, error) {
	if b.cfg.Mode == ModeParallel {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	return b.generate(callCtx, prompt, b.cfg.MaxTokens)
}

// recentFor copies the tenant's recent restatements. The map is keyed by
// tenant so a tenant switch mid-stream cannot leak another tenant's
// sentences into this prompt.
func (b *Builder) recentFor(tenant string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	prior := b.recent[tenant]
	out := make([]string, len(prior))
	copy(out, prior)
	return out
}

// remember appends freshly persisted restatements to the tenant's context
// window, keeping the newest ContextEntries.
func (b *Builder) remember(tenant string, restatements []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := append(b.recent[tenant], restatements...)
	if len(merged) > b.cfg.ContextEntries {
		merged = merged[len(merged)-b.cfg.ContextEntries:]
	}
	b.recent[tenant] = merged
}
