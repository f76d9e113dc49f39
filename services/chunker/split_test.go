// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSplitAfterSentences verifies the delimiter stays with its sentence.
func TestSplitAfterSentences(t *testing.T) {
	parts := splitAfter("One. Two! Three? Four", sentenceEndRe)
	require.Equal(t, []string{"One.", "Two!", "Three?", "Four"}, parts)

	parts = splitAfter(`He said "stop." Then left.`, sentenceEndRe)
	require.Equal(t, []string{`He said "stop."`, "Then left."}, parts)
}

// TestSplitAfterNoMatch verifies unbroken text comes back whole.
func TestSplitAfterNoMatch(t *testing.T) {
	parts := splitAfter("no sentence end here", sentenceEndRe)
	assert.Equal(t, []string{"no sentence end here"}, parts)
}

// TestSplitAfterClauses verifies the clause fallback delimiters.
func TestSplitAfterClauses(t *testing.T) {
	parts := splitAfter("first part; second part, third part\nfourth", clauseEndRe)
	require.Equal(t, []string{"first part;", "second part,", "third part", "fourth"}, parts)
}

// TestSplitSegmentPacksSentences verifies sentence-level packing respects
// the size ceiling and overlaps neighbours.
func TestSplitSegmentPacksSentences(t *testing.T) {
	c := New(DefaultConfig())
	sentence := "Each record passes validation before the pipeline accepts it for storage. "
	text := strings.TrimSpace(strings.Repeat(sentence, 12))

	parts, err := c.splitSegment(text, 300)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)

	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 300)
		assert.NotEmpty(t, p)
	}
	tail := overlapTail(parts[0], c.cfg.Overlap)
	require.NotEmpty(t, tail)
	assert.True(t, strings.HasPrefix(parts[1], tail))
}

// TestSplitSegmentFallsBackToClauses verifies one endless sentence still
// splits at clause boundaries.
func TestSplitSegmentFallsBackToClauses(t *testing.T) {
	c := New(DefaultConfig())
	clause := "the first stage filters records, the second stage enriches them, "
	text := strings.TrimSuffix(strings.Repeat(clause, 8), ", ") + "."

	parts, err := c.splitSegment(text, 200)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 200)
	}
}

// TestHardCutHandlesUnbrokenText verifies the recursive splitter floor cuts
// text with no separators at all.
func TestHardCutHandlesUnbrokenText(t *testing.T) {
	c := New(DefaultConfig())
	text := strings.Repeat("x", 1200)

	parts, err := c.hardCut(text, 500)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 500)
	}
	assert.Contains(t, parts[0], "x")
}

// TestPackUnitsKeepsOrder verifies units never reorder and small inputs stay
// in one chunk.
func TestPackUnitsKeepsOrder(t *testing.T) {
	c := New(DefaultConfig())

	parts := c.packUnits([]string{"alpha", "beta", "gamma"}, 500)
	require.Equal(t, []string{"alpha beta gamma"}, parts)

	parts = c.packUnits([]string{"alpha", "beta", "gamma"}, 11)
	require.Equal(t, []string{"alpha beta", "gamma"}, parts)
}

// TestOverlapTail verifies the tail lands on a word boundary.
func TestOverlapTail(t *testing.T) {
	assert.Equal(t, "delta", overlapTail("alpha beta gamma delta", 10))
	assert.Equal(t, "", overlapTail("short", 10), "text inside the window has no tail")
	assert.Equal(t, "", overlapTail("alpha beta", 0))
	assert.Equal(t, "", overlapTail(strings.Repeat("x", 40), 10), "no word boundary in the window")
	assert.Equal(t, "", overlapTail("alpha bet ", 3), "boundary at the very end leaves nothing")
}
