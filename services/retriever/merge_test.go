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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

func scored(id, restatement, ts string) datatypes.ScoredEntry {
	return datatypes.ScoredEntry{
		Entry: datatypes.MemoryEntry{
			EntryID:             id,
			LosslessRestatement: restatement,
			Timestamp:           ts,
		},
		Score: 0.9, // raw store score, ignored by the merger
	}
}

// TestMergerWeightsSubqueriesAndRanks verifies the reciprocal-rank fusion
// arithmetic and the recency tie-break.
func TestMergerWeightsSubqueriesAndRanks(t *testing.T) {
	e1 := scored("id-1", "Entry one.", "2025-01-01")
	e2 := scored("id-2", "Entry two.", "2025-02-01")
	e3 := scored("id-3", "Entry three.", "2025-03-01")

	m := newMerger()
	m.add([]datatypes.ScoredEntry{e1, e2}) // weight 1:    e1 += 1.0, e2 += 0.5
	m.add([]datatypes.ScoredEntry{e2, e3}) // weight 0.5:  e2 += 0.5, e3 += 0.25

	results := m.results()
	require.Len(t, results, 3)

	// e1 and e2 tie at 1.0; e2 is more recent and wins.
	assert.Equal(t, "id-2", results[0].Entry.EntryID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, "id-1", results[1].Entry.EntryID)
	assert.InDelta(t, 1.0, results[1].Score, 1e-9)
	assert.Equal(t, "id-3", results[2].Entry.EntryID)
	assert.InDelta(t, 0.25, results[2].Score, 1e-9)
}

// TestMergerTieBreaksByFirstAppearance verifies the final deterministic
// tie-break when scores and timestamps are both equal.
func TestMergerTieBreaksByFirstAppearance(t *testing.T) {
	a := scored("id-a", "Entry a.", "")
	b := scored("id-b", "Entry b.", "")
	c := scored("id-c", "Entry c.", "")

	m := newMerger()
	m.add([]datatypes.ScoredEntry{a, b}) // a = 1.0, b = 0.5
	m.add([]datatypes.ScoredEntry{c})    // c = 0.5

	results := m.results()
	require.Len(t, results, 3)
	assert.Equal(t, "id-a", results[0].Entry.EntryID)
	assert.Equal(t, "id-b", results[1].Entry.EntryID, "b appeared before c")
	assert.Equal(t, "id-c", results[2].Entry.EntryID)
	assert.InDelta(t, results[1].Score, results[2].Score, 1e-9, "genuine tie")
}

// TestMergerUnionsByEntryID verifies one entry seen by several sub-queries
// appears once with accumulated score.
func TestMergerUnionsByEntryID(t *testing.T) {
	e := scored("id-1", "Entry one.", "2025-01-01")

	m := newMerger()
	m.add([]datatypes.ScoredEntry{e})
	m.add([]datatypes.ScoredEntry{e})
	m.add([]datatypes.ScoredEntry{e})

	results := m.results()
	require.Len(t, results, 1)
	// 1/1 + 1/2 + 1/3
	assert.InDelta(t, 1.0+0.5+1.0/3.0, results[0].Score, 1e-9)
}

// TestMergerDerivesMissingIDs verifies entries without identifiers still
// union by content.
func TestMergerDerivesMissingIDs(t *testing.T) {
	e := scored("", "Alice met Bob at Starbucks on 2025-03-01.", "2025-03-01")

	m := newMerger()
	m.add([]datatypes.ScoredEntry{e})
	m.add([]datatypes.ScoredEntry{e})

	assert.Len(t, m.results(), 1)
}

// TestMergerEmpty verifies a merger with no input yields no results.
func TestMergerEmpty(t *testing.T) {
	assert.Empty(t, newMerger().results())
}
