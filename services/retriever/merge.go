// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"sort"
	"time"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// merger fuses ranked sub-query results into one ranking. Scoring is
// reciprocal-rank based: an entry at rank r of sub-query q contributes
// (1/(q+1)) * (1/(r+1)), so earlier sub-queries and earlier ranks dominate.
// Raw store scores are ignored; rank fusion is scale-free across the
// semantic and lexical mix.
//
// Not safe for concurrent use; callers feed it from one goroutine.
type merger struct {
	entries  map[string]*mergedEntry
	next     int // sub-query index, monotonic across reflection rounds
	inserted int
}

type mergedEntry struct {
	entry datatypes.MemoryEntry
	score float64
	order int // first-appearance order: sub-query index, then rank
	ts    time.Time
}

func newMerger() *merger {
	return &merger{entries: make(map[string]*mergedEntry)}
}

// add feeds one sub-query's ranked result list.
func (m *merger) add(list []datatypes.ScoredEntry) {
	weight := 1.0 / float64(m.next+1)
	m.next++

	for rank, se := range list {
		id := se.Entry.EntryID
		if id == "" {
			// Entries without identifiers cannot be unioned.
			id = se.Entry.ComputeID()
		}
		contribution := weight / float64(rank+1)
		if existing, ok := m.entries[id]; ok {
			existing.score += contribution
			continue
		}
		ts, _ := datatypes.ParseEntryTimestamp(se.Entry.Timestamp)
		m.entries[id] = &mergedEntry{
			entry: se.Entry,
			score: contribution,
			order: m.inserted,
			ts:    ts,
		}
		m.inserted++
	}
}

// results returns the fused ranking: score descending, ties broken by entry
// recency, then by first appearance (sub-query index, then rank), so the
// order is deterministic for identical inputs.
func (m *merger) results() []datatypes.ScoredEntry {
	merged := make([]*mergedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		if !merged[i].ts.Equal(merged[j].ts) {
			return merged[i].ts.After(merged[j].ts)
		}
		return merged[i].order < merged[j].order
	})

	out := make([]datatypes.ScoredEntry, len(merged))
	for i, e := range merged {
		out[i] = datatypes.ScoredEntry{Entry: e.entry, Score: e.score}
	}
	return out
}
