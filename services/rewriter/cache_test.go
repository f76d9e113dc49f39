// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rewriter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRewriteCacheEvictsLeastRecent verifies LRU ordering: a recent get
// protects its entry from eviction.
func TestRewriteCacheEvictsLeastRecent(t *testing.T) {
	c := newRewriteCache(2)
	c.put("a", "result-a")
	c.put("b", "result-b")

	_, ok := c.get("a")
	require.True(t, ok, "a was just inserted")

	c.put("c", "result-c") // evicts b, the least recently used

	_, ok = c.get("b")
	assert.False(t, ok, "b should have been evicted")
	va, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, "result-a", va)
	vc, ok := c.get("c")
	assert.True(t, ok)
	assert.Equal(t, "result-c", vc)
	assert.Equal(t, 2, c.len())
}

// TestRewriteCacheUpdatesInPlace verifies a repeated put replaces the value
// without growing the cache.
func TestRewriteCacheUpdatesInPlace(t *testing.T) {
	c := newRewriteCache(2)
	c.put("a", "old")
	c.put("a", "new")

	v, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, c.len())
}

// TestCacheKeyProperties verifies the fingerprint covers what it must and
// ignores what it must not.
func TestCacheKeyProperties(t *testing.T) {
	base := cacheKey("query", []string{"ctx"}, []string{"a", "b"}, ModeBalanced)

	assert.Equal(t, base, cacheKey("query", []string{"ctx"}, []string{"b", "a"}, ModeBalanced),
		"concept order must not matter")
	assert.NotEqual(t, base, cacheKey("query", []string{"ctx"}, []string{"a", "b"}, ModePrecise),
		"mode participates in the key")
	assert.NotEqual(t, base, cacheKey("other", []string{"ctx"}, []string{"a", "b"}, ModeBalanced),
		"query participates in the key")
	assert.NotEqual(t, base, cacheKey("query", []string{"other ctx"}, []string{"a", "b"}, ModeBalanced),
		"context prefix participates in the key")
}

// TestCacheKeyTruncatesContext verifies only the context prefix is hashed.
func TestCacheKeyTruncatesContext(t *testing.T) {
	long := strings.Repeat("x", cacheContextPrefix)
	k1 := cacheKey("q", []string{long + "tail one"}, nil, ModeBalanced)
	k2 := cacheKey("q", []string{long + "different tail"}, nil, ModeBalanced)
	assert.Equal(t, k1, k2, "bytes past the prefix must not change the key")
}
