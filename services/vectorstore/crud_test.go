// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// getResponse builds a GraphQL Get payload for one class.
func getResponse(class string, results ...map[string]interface{}) string {
	if results == nil {
		results = []map[string]interface{}{}
	}
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"Get": map[string]interface{}{class: results},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// entryResult builds one stored-entry result with the given _additional
// block.
func entryResult(id, text string, additional map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"entry_id":             id,
		"lossless_restatement": text,
		"keywords":             []string{"coffee"},
		"timestamp":            "2025-03-01 10:00:00",
		"timestamp_unix":       1740823200000,
		"location":             "",
		"topic":                "",
		"persons":              []string{"Alice"},
		"entities":             []string{},
		"memory_type":          "episodic",
		"tenant_id":            "alice",
		"source":               "dialogue",
		"created_at":           1740823201000,
		"_additional":          additional,
	}
}

func TestAddEntriesWritesAndCaches(t *testing.T) {
	fake := newFakeWeaviate()
	s, emb := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	entries := []datatypes.MemoryEntry{
		{
			LosslessRestatement: "Alice met Bob at Starbucks on March 1st.",
			Timestamp:           "2025-03-01 10:00:00",
			Keywords:            []string{"coffee"},
		},
		{
			LosslessRestatement: "Alice prefers oat milk.",
			MemoryType:          datatypes.MemoryTypeSemantic,
		},
	}

	ids, err := s.AddEntries(ctx, h, entries)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.Len(t, id, datatypes.EntryIDHexLength)
	}

	_, _, _, batchCalls, _ := fake.counts()
	assert.Equal(t, 1, batchCalls)

	objs := fake.objects()
	require.Len(t, objs, 2)
	assert.Equal(t, h.class, objs[0].Class)
	assert.NotEmpty(t, objs[0].ID)
	assert.Len(t, objs[0].Vector, 4, "vectorless entries are embedded before writing")

	props := objs[0].Properties
	assert.Equal(t, "alice", props["tenant_id"])
	assert.Equal(t, ids[0], props["entry_id"])
	assert.Equal(t, "episodic", props["memory_type"], "memory type defaults to episodic")
	assert.Greater(t, props["created_at"].(float64), float64(0))
	assert.Equal(t, float64(0), props["ttl_expires_at"], "non-working entries never expire")

	wantUnix := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, float64(wantUnix), props["timestamp_unix"])

	// One batch embed for both vectorless entries.
	emb.mu.Lock()
	require.Len(t, emb.batchCalls, 1)
	assert.Len(t, emb.batchCalls[0], 2)
	emb.mu.Unlock()

	// Written entries are cached without their vectors.
	cached, ok := s.entries.Get(entryCacheKey(h.class, ids[0]))
	require.True(t, ok)
	assert.Nil(t, cached.DenseVector)
}

func TestAddEntriesEmptyInput(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	ids, err := s.AddEntries(ctx, h, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, _, _, batchCalls, _ := fake.counts()
	assert.Equal(t, 0, batchCalls)
}

func TestAddEntriesRequiresHandle(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)

	_, err := s.AddEntries(context.Background(), CollectionHandle{}, []datatypes.MemoryEntry{
		{LosslessRestatement: "x"},
	})
	require.ErrorIs(t, err, ErrInvalidTenant)
}

func TestAddEntriesRejectsInvalidEntry(t *testing.T) {
	fake := newFakeWeaviate()
	s, emb := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	_, err = s.AddEntries(ctx, h, []datatypes.MemoryEntry{
		{LosslessRestatement: "fine"},
		{LosslessRestatement: ""},
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "entry 1")

	_, _, _, batchCalls, _ := fake.counts()
	assert.Equal(t, 0, batchCalls, "nothing is written when validation fails")
	assert.Equal(t, 0, emb.embedCount())
}

func TestAddEntriesStampsWorkingTTL(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake, func(c *Config) { c.WorkingTTL = time.Hour })
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	_, err = s.AddEntries(ctx, h, []datatypes.MemoryEntry{
		{LosslessRestatement: "scratch note", MemoryType: datatypes.MemoryTypeWorking},
		{LosslessRestatement: "durable fact", MemoryType: datatypes.MemoryTypeSemantic},
	})
	require.NoError(t, err)

	objs := fake.objects()
	require.Len(t, objs, 2)

	working := objs[0].Properties
	createdAt := working["created_at"].(float64)
	assert.Equal(t, createdAt+float64(time.Hour.Milliseconds()), working["ttl_expires_at"],
		"working entries expire one TTL after the write")

	durable := objs[1].Properties
	assert.Equal(t, float64(0), durable["ttl_expires_at"])
}

func TestAddEntriesChunksLargeBatches(t *testing.T) {
	fake := newFakeWeaviate()
	s, emb := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	entries := make([]datatypes.MemoryEntry, addBatchSize+50)
	for i := range entries {
		entries[i] = datatypes.MemoryEntry{LosslessRestatement: fmt.Sprintf("fact number %d", i)}
	}

	ids, err := s.AddEntries(ctx, h, entries)
	require.NoError(t, err)
	assert.Len(t, ids, addBatchSize+50)

	_, _, _, batchCalls, _ := fake.counts()
	assert.Equal(t, 2, batchCalls)
	assert.Len(t, fake.objects(), 50, "last chunk carries the remainder")

	emb.mu.Lock()
	require.Len(t, emb.batchCalls, 1, "embedding happens once, not per chunk")
	assert.Len(t, emb.batchCalls[0], addBatchSize+50)
	emb.mu.Unlock()
}

func TestAddEntriesDeterministicObjectIDs(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	entry := datatypes.MemoryEntry{
		LosslessRestatement: "Alice met Bob at Starbucks on March 1st.",
		Timestamp:           "2025-03-01 10:00:00",
	}

	_, err = s.AddEntries(ctx, h, []datatypes.MemoryEntry{entry})
	require.NoError(t, err)
	first := fake.objects()[0].ID

	_, err = s.AddEntries(ctx, h, []datatypes.MemoryEntry{entry})
	require.NoError(t, err)
	second := fake.objects()[0].ID

	assert.Equal(t, first, second, "re-adding identical content overwrites in place")
}

func TestAddEntriesSurfacesBatchRejection(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.batchFn = func(objects []fakeObject) string {
		return `[{"result":{"status":"FAILED","errors":{"error":[{"message":"vector length mismatch"}]}}}]`
	}
	fake.mu.Unlock()

	written, err := s.AddEntries(ctx, h, []datatypes.MemoryEntry{
		{LosslessRestatement: "doomed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch upsert rejected 1 of 1")
	assert.Contains(t, err.Error(), "vector length mismatch")
	assert.Empty(t, written)
}

func TestGetEntryRoundTripAndCache(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	id := hexID("Alice met Bob at Starbucks.")
	fake.mu.Lock()
	fake.graphqlFn = func(query string) string {
		return getResponse(h.class, entryResult(id, "Alice met Bob at Starbucks.", map[string]interface{}{
			"id":     "00000000-0000-0000-0000-000000000001",
			"vector": []float32{0.6, 0.8},
		}))
	}
	fake.mu.Unlock()

	entry, err := s.GetEntry(ctx, h, id)
	require.NoError(t, err)
	assert.Equal(t, id, entry.EntryID)
	assert.Equal(t, "Alice met Bob at Starbucks.", entry.LosslessRestatement)
	assert.Equal(t, "alice", entry.TenantID)
	assert.Equal(t, []float32{0.6, 0.8}, entry.DenseVector, "store round trips carry the vector")

	// Second read is served from the cache, without the vector.
	cached, err := s.GetEntry(ctx, h, id)
	require.NoError(t, err)
	assert.Nil(t, cached.DenseVector)

	_, _, graphqlCalls, _, _ := fake.counts()
	assert.Equal(t, 1, graphqlCalls)
}

func TestGetEntryNotFound(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.graphqlFn = func(query string) string { return getResponse(h.class) }
	fake.mu.Unlock()

	_, err = s.GetEntry(ctx, h, hexID("missing"))
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestGetEntryValidation(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	_, err = s.GetEntry(ctx, h, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.GetEntry(ctx, CollectionHandle{}, hexID("x"))
	require.ErrorIs(t, err, ErrInvalidTenant)
}

func TestUpdateEntryReembedsAndWrites(t *testing.T) {
	fake := newFakeWeaviate()
	s, emb := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	id := hexID("original")
	err = s.UpdateEntry(ctx, h, datatypes.MemoryEntry{
		EntryID:             id,
		LosslessRestatement: "Alice now prefers soy milk.",
		MemoryType:          datatypes.MemoryTypeSemantic,
	})
	require.NoError(t, err)

	emb.mu.Lock()
	require.Len(t, emb.embedCalls, 1)
	assert.Equal(t, "Alice now prefers soy milk.", emb.embedCalls[0])
	emb.mu.Unlock()

	objs := fake.objects()
	require.Len(t, objs, 1)
	assert.Equal(t, id, objs[0].Properties["entry_id"])

	cached, ok := s.entries.Get(entryCacheKey(h.class, id))
	require.True(t, ok)
	assert.Equal(t, "Alice now prefers soy milk.", cached.LosslessRestatement)
}

func TestUpdateEntryValidation(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	err = s.UpdateEntry(ctx, h, datatypes.MemoryEntry{LosslessRestatement: "no id"})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "entry_id")

	err = s.UpdateEntry(ctx, h, datatypes.MemoryEntry{EntryID: "zz", LosslessRestatement: "bad id"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteEntriesReportsMatches(t *testing.T) {
	fake := newFakeWeaviate()
	fake.deleteMatches = []int64{2}
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	ids := []string{hexID("a"), hexID("b"), hexID("c")}
	for _, id := range ids {
		s.entries.Set(entryCacheKey(h.class, id), cachedEntry(id, "x"))
	}

	matches, err := s.DeleteEntries(ctx, h, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), matches, "unknown ids simply do not count")

	for _, id := range ids {
		_, ok := s.entries.Get(entryCacheKey(h.class, id))
		assert.False(t, ok)
	}
}

func TestDeleteEntriesEmptyInput(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	matches, err := s.DeleteEntries(ctx, h, nil)
	require.NoError(t, err)
	assert.Zero(t, matches)

	_, _, _, _, deleteCalls := fake.counts()
	assert.Equal(t, 0, deleteCalls)
}

func TestClearLoopsUntilNoMatches(t *testing.T) {
	fake := newFakeWeaviate()
	fake.deleteMatches = []int64{400, 400} // third call reports zero
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h, err := s.Use(ctx, "alice")
	require.NoError(t, err)

	otherKey := entryCacheKey(datatypes.TenantClassName("bob"), "e1")
	s.entries.Set(entryCacheKey(h.class, "e1"), cachedEntry("e1", "a"))
	s.entries.Set(otherKey, cachedEntry("e1", "b"))

	require.NoError(t, s.Clear(ctx, h))

	_, _, _, _, deleteCalls := fake.counts()
	assert.Equal(t, 3, deleteCalls)

	_, ok := s.entries.Get(entryCacheKey(h.class, "e1"))
	assert.False(t, ok, "cleared class is purged from the cache")
	_, ok = s.entries.Get(otherKey)
	assert.True(t, ok, "other tenants' cache entries survive")
}
