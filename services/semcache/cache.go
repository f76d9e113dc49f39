// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semcache memoizes retrieval results per tenant.
//
// Lookups try an exact hash of the normalized query first, then fall back
// to a Jaccard similarity scan over the tenant's recently cached queries.
// The cache is opportunistic: retrieval is always correct without it, and
// any write under a tenant invalidates everything cached for that tenant.
package semcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

const (
	// defaultCapacity bounds the entries kept across all tenants.
	defaultCapacity = 300

	// defaultThreshold is the Jaccard similarity a cached query must exceed
	// to serve a lookup it does not hash-match.
	defaultThreshold = 0.95
)

// Cache is an LRU of retrieval results keyed by tenant and normalized
// query. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	threshold float64
	items     map[string]*list.Element
	order     *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

var _ vectorstore.TenantCacheInvalidator = (*Cache)(nil)

type cacheEntry struct {
	key     string
	tenant  string
	tokens  map[string]struct{}
	results []datatypes.ScoredEntry
}

// NewCache builds a cache. Non-positive capacity falls back to 300; a
// threshold outside (0, 1] falls back to 0.95.
func NewCache(capacity int, threshold float64) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultThreshold
	}
	return &Cache{
		capacity:  capacity,
		threshold: threshold,
		items:     make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Get returns cached results for the query under the tenant. An exact match
// on the normalized query wins; otherwise the tenant's recent queries are
// scanned for one whose token set is nearly identical.
func (c *Cache) Get(tenantID, query string) ([]datatypes.ScoredEntry, bool) {
	normalized, tokens := normalizeQuery(query)
	if normalized == "" {
		return nil, false
	}
	key := cacheKey(tenantID, normalized)

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return copyResults(elem.Value.(*cacheEntry).results), true
	}
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry)
		if entry.tenant != tenantID {
			continue
		}
		if jaccard(tokens, entry.tokens) > c.threshold {
			c.order.MoveToFront(elem)
			c.hits.Add(1)
			return copyResults(entry.results), true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores results for the query under the tenant, evicting the least
// recently used entry past capacity.
func (c *Cache) Put(tenantID, query string, results []datatypes.ScoredEntry) {
	normalized, tokens := normalizeQuery(query)
	if normalized == "" {
		return
	}
	key := cacheKey(tenantID, normalized)
	stored := copyResults(results)

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).results = stored
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{
		key:     key,
		tenant:  tenantID,
		tokens:  tokens,
		results: stored,
	})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// InvalidateTenant drops everything cached for one tenant. The vector store
// calls it on tenant switch; writers call it after any write under the
// tenant.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*cacheEntry)
		if entry.tenant == tenantID {
			c.order.Remove(elem)
			delete(c.items, entry.key)
		}
	}
}

// Len reports the cached entry count across all tenants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports lifetime hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

var tokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9'-]*`)

// normalizeQuery lowercases and tokenizes, returning the canonical form
// used for exact matching and the token set used for similarity.
func normalizeQuery(query string) (string, map[string]struct{}) {
	words := tokenPattern.FindAllString(strings.ToLower(query), -1)
	if len(words) == 0 {
		return "", nil
	}
	tokens := make(map[string]struct{}, len(words))
	for _, w := range words {
		tokens[w] = struct{}{}
	}
	return strings.Join(words, " "), tokens
}

func cacheKey(tenantID, normalized string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// jaccard is |A∩B| / |A∪B| over token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

func copyResults(results []datatypes.ScoredEntry) []datatypes.ScoredEntry {
	out := make([]datatypes.ScoredEntry, len(results))
	copy(out, results)
	return out
}
