// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// scriptedModel plays back canned responses in order; the last one repeats.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (m *scriptedModel) generate(_ context.Context, prompt string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if len(m.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *scriptedModel) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

// fakeStore records AddEntries calls and serves a settable current tenant.
type fakeStore struct {
	mu     sync.Mutex
	tenant string
	calls  [][]datatypes.MemoryEntry
	err    error
}

func (s *fakeStore) setTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = tenant
}

func (s *fakeStore) CurrentTenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

func (s *fakeStore) Handle() vectorstore.CollectionHandle {
	return vectorstore.CollectionHandle{}
}

func (s *fakeStore) AddEntries(_ context.Context, _ vectorstore.CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	cp := make([]datatypes.MemoryEntry, len(entries))
	copy(cp, entries)
	s.calls = append(s.calls, cp)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
	}
	return ids, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeStore) entries(i int) []datatypes.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1}, nil
}

func (e *fakeEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

// entriesJSON builds a model response restating each given sentence.
func entriesJSON(restatements ...string) string {
	entries := make([]map[string]any, 0, len(restatements))
	for _, r := range restatements {
		entries = append(entries, map[string]any{
			"lossless_restatement": r,
			"keywords":             []string{"test"},
			"memory_type":          "episodic",
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func newTestBuilder(t *testing.T, model *scriptedModel, store *fakeStore, cfg Config) *Builder {
	t.Helper()
	b, err := NewBuilder(model.generate, &fakeEmbedder{}, store, cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func dialogue(speaker, content string) datatypes.Dialogue {
	return datatypes.Dialogue{Speaker: speaker, Content: content}
}

// TestAddDialogueImmediateMode verifies one dialogue becomes persisted,
// embedded entries under the current tenant.
func TestAddDialogueImmediateMode(t *testing.T) {
	model := &scriptedModel{responses: []string{
		entriesJSON("Alice met Bob at Starbucks on 2025-03-01."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{})

	d := datatypes.Dialogue{
		Speaker:   "alice",
		Content:   "I met Bob at Starbucks yesterday",
		Timestamp: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.AddDialogue(context.Background(), d))

	require.Equal(t, 1, store.callCount())
	entries := store.entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "Alice met Bob at Starbucks on 2025-03-01.", entries[0].LosslessRestatement)
	assert.Equal(t, "tenant-a", entries[0].TenantID)
	assert.Equal(t, "dialogue", entries[0].Source)
	assert.Len(t, entries[0].EntryID, datatypes.EntryIDHexLength)
	assert.Equal(t, []float32{1}, entries[0].DenseVector)

	prompt := model.prompt(0)
	assert.Contains(t, prompt, "alice (2025-03-02T10:00:00Z): I met Bob at Starbucks yesterday")
	assert.Contains(t, prompt, "(none)", "first window has no previous entries")
	assert.NotContains(t, prompt, "{{DIALOGUES}}")
}

// TestAddDialogueRejectsBadInput verifies intake validation.
func TestAddDialogueRejectsBadInput(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("x")}}

	t.Run("no tenant selected", func(t *testing.T) {
		b := newTestBuilder(t, model, &fakeStore{}, Config{})
		err := b.AddDialogue(context.Background(), dialogue("alice", "hello"))
		assert.ErrorIs(t, err, ErrNoTenant)
	})

	t.Run("empty content", func(t *testing.T) {
		b := newTestBuilder(t, model, &fakeStore{tenant: "tenant-a"}, Config{})
		err := b.AddDialogue(context.Background(), dialogue("alice", ""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "content is empty")
	})
}

// TestWindowModeBuffersUntilFull verifies nothing is processed until the
// window fills, and that a full window drains in one call.
func TestWindowModeBuffersUntilFull(t *testing.T) {
	model := &scriptedModel{responses: []string{
		entriesJSON("Alice booked a trip to Juneau for 2025-04-10."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{Mode: ModeWindow, WindowSize: 3})

	ctx := context.Background()
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "I want to visit Juneau")))
	require.NoError(t, b.AddDialogue(ctx, dialogue("bob", "April is the best month")))
	assert.Equal(t, 0, store.callCount(), "window not full yet")
	assert.Equal(t, 0, model.callCount())

	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "Booked for April tenth")))
	require.Equal(t, 1, store.callCount())

	prompt := model.prompt(0)
	assert.Contains(t, prompt, "I want to visit Juneau")
	assert.Contains(t, prompt, "April is the best month")
	assert.Contains(t, prompt, "Booked for April tenth")

	// A fresh window starts empty.
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "Something else")))
	assert.Equal(t, 1, store.callCount())
}

// TestWindowsAreKeyedByTenant verifies each tenant fills its own window and
// one tenant's dialogues never appear in another tenant's prompt.
func TestWindowsAreKeyedByTenant(t *testing.T) {
	model := &scriptedModel{responses: []string{
		entriesJSON("Tenant B fact."),
		entriesJSON("Tenant A fact."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{Mode: ModeWindow, WindowSize: 2})

	ctx := context.Background()
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "alpha secret")))

	store.setTenant("tenant-b")
	require.NoError(t, b.AddDialogue(ctx, dialogue("mallory", "beta first")))
	assert.Equal(t, 0, store.callCount(), "separate buffers, neither full")

	require.NoError(t, b.AddDialogue(ctx, dialogue("mallory", "beta second")))
	require.Equal(t, 1, store.callCount())
	assert.Equal(t, "tenant-b", store.entries(0)[0].TenantID)

	promptB := model.prompt(0)
	assert.Contains(t, promptB, "beta first")
	assert.NotContains(t, promptB, "alpha secret")

	store.setTenant("tenant-a")
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "alpha closing")))
	require.Equal(t, 2, store.callCount())
	assert.Equal(t, "tenant-a", store.entries(1)[0].TenantID)
	assert.Contains(t, model.prompt(1), "alpha secret")
}

// TestPreviousEntriesStayPerTenant verifies the duplication context never
// crosses tenants and resurfaces on the original tenant.
func TestPreviousEntriesStayPerTenant(t *testing.T) {
	model := &scriptedModel{responses: []string{
		entriesJSON("Alice prefers oat milk."),
		entriesJSON("Mallory runs a bakery."),
		entriesJSON("Alice drinks coffee daily."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{})

	ctx := context.Background()
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "I prefer oat milk")))

	store.setTenant("tenant-b")
	require.NoError(t, b.AddDialogue(ctx, dialogue("mallory", "I run a bakery")))
	promptB := model.prompt(1)
	assert.NotContains(t, promptB, "oat milk", "tenant-a context must not leak")
	assert.Contains(t, promptB, "(none)")

	store.setTenant("tenant-a")
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "I drink coffee every day")))
	promptA := model.prompt(2)
	assert.Contains(t, promptA, "- Alice prefers oat milk.")
	assert.NotContains(t, promptA, "bakery")
}

// TestRecentContextKeepsNewest verifies the duplication context is capped.
func TestRecentContextKeepsNewest(t *testing.T) {
	model := &scriptedModel{responses: []string{
		entriesJSON("First fact."),
		entriesJSON("Second fact."),
		entriesJSON("Third fact."),
		entriesJSON("Fourth fact."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{ContextEntries: 2})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.AddDialogue(ctx, dialogue("alice", fmt.Sprintf("fact number %d", i+1))))
	}

	lastPrompt := model.prompt(3)
	assert.Contains(t, lastPrompt, "- Second fact.")
	assert.Contains(t, lastPrompt, "- Third fact.")
	assert.NotContains(t, lastPrompt, "First fact.")
}

// TestDropsWindowAfterRepeatedFailures verifies the drop discipline: three
// attempts, then the window is gone without an error.
func TestDropsWindowAfterRepeatedFailures(t *testing.T) {
	model := &scriptedModel{responses: []string{"the model rambles with no json"}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{})

	err := b.AddDialogue(context.Background(), dialogue("alice", "hello"))
	require.NoError(t, err, "dropping is not a caller error")
	assert.Equal(t, 3, model.callCount())
	assert.Equal(t, 0, store.callCount())
}

// TestRetriesUntilParseSucceeds verifies a later attempt can rescue a window.
func TestRetriesUntilParseSucceeds(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"garbage without an array",
		entriesJSON("Alice fixed the bug on 2025-02-01."),
	}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{})

	require.NoError(t, b.AddDialogue(context.Background(), dialogue("alice", "fixed it")))
	assert.Equal(t, 2, model.callCount())
	require.Equal(t, 1, store.callCount())
}

// TestPersistFailureSurfaces verifies store errors are returned, not dropped.
func TestPersistFailureSurfaces(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("A fact.")}}
	store := &fakeStore{tenant: "tenant-a", err: errors.New("weaviate down")}
	b := newTestBuilder(t, model, store, Config{})

	err := b.AddDialogue(context.Background(), dialogue("alice", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist")
}

// TestEmbedFailureSurfaces verifies embedding errors are returned.
func TestEmbedFailureSurfaces(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("A fact.")}}
	store := &fakeStore{tenant: "tenant-a"}
	b, err := NewBuilder(model.generate, &fakeEmbedder{err: errors.New("embedder down")}, store, Config{})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	err = b.AddDialogue(context.Background(), dialogue("alice", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed")
}

// TestParallelModeProcessesWindows verifies full windows drain on the worker
// pool and Wait blocks until they land.
func TestParallelModeProcessesWindows(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("A parallel fact.")}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{
		Mode:              ModeParallel,
		WindowSize:        1,
		Workers:           2,
		LLMCallsPerSecond: 1000,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.AddDialogue(ctx, dialogue("alice", fmt.Sprintf("event %d", i))))
	}
	b.Wait()

	assert.Equal(t, 3, store.callCount())
	for i := 0; i < 3; i++ {
		assert.Equal(t, "tenant-a", store.entries(i)[0].TenantID)
	}
}

// TestFlushProcessesPartialWindows verifies buffered dialogues survive
// shutdown via Flush.
func TestFlushProcessesPartialWindows(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("A flushed fact.")}}
	store := &fakeStore{tenant: "tenant-a"}
	b := newTestBuilder(t, model, store, Config{Mode: ModeWindow, WindowSize: 5})

	ctx := context.Background()
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "partial one")))
	require.NoError(t, b.AddDialogue(ctx, dialogue("alice", "partial two")))
	assert.Equal(t, 0, store.callCount())

	require.NoError(t, b.Flush(ctx))
	require.Equal(t, 1, store.callCount())
	prompt := model.prompt(0)
	assert.Contains(t, prompt, "partial one")
	assert.Contains(t, prompt, "partial two")

	// Nothing left to flush.
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 1, store.callCount())
}

// TestClosedBuilderRefusesWork verifies the closed sentinel.
func TestClosedBuilderRefusesWork(t *testing.T) {
	model := &scriptedModel{responses: []string{entriesJSON("x")}}
	b, err := NewBuilder(model.generate, &fakeEmbedder{}, &fakeStore{tenant: "t"}, Config{})
	require.NoError(t, err)

	b.Close()
	assert.ErrorIs(t, b.AddDialogue(context.Background(), dialogue("a", "b")), ErrBuilderClosed)
	assert.ErrorIs(t, b.Flush(context.Background()), ErrBuilderClosed)
	b.Close() // idempotent
}

// TestNewBuilderValidates verifies constructor checks.
func TestNewBuilderValidates(t *testing.T) {
	model := &scriptedModel{}
	store := &fakeStore{}

	_, err := NewBuilder(nil, &fakeEmbedder{}, store, Config{})
	assert.ErrorContains(t, err, "generate function is required")

	_, err = NewBuilder(model.generate, nil, store, Config{})
	assert.ErrorContains(t, err, "embedder is required")

	_, err = NewBuilder(model.generate, &fakeEmbedder{}, nil, Config{})
	assert.ErrorContains(t, err, "entry store is required")

	_, err = NewBuilder(model.generate, &fakeEmbedder{}, store, Config{Mode: "batch"})
	assert.ErrorContains(t, err, "unknown mode")
}

// TestConfigFromEnv verifies the environment overrides.
func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEMORY_WINDOW_SIZE", "9")
	t.Setenv("MEMORY_PARALLEL_WORKERS", "2")
	t.Setenv("ENGRAM_PROMPT_DIR", "/tmp/prompts")

	cfg := ConfigFromEnv()
	assert.Equal(t, 9, cfg.WindowSize)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "/tmp/prompts", cfg.PromptDir)

	t.Setenv("MEMORY_WINDOW_SIZE", "not a number")
	cfg = ConfigFromEnv()
	assert.Equal(t, DefaultConfig().WindowSize, cfg.WindowSize)
}
