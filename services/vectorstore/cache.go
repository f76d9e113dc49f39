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
	"container/list"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// entryCacheCapacity bounds the process-local entry cache. Entries are small
// (one sentence plus facets; vectors are not cached), so a thousand of them
// is a few hundred kilobytes.
const entryCacheCapacity = 1000

// entryCache is a thread-safe LRU from class-scoped entry keys to fully
// materialized entries. It exists to avoid re-materializing the same entries
// over and over while the retriever ranks across sub-queries. Keys carry the
// class name so a stale handle can never read another tenant's entry.
type entryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recent

	hits   atomic.Int64
	misses atomic.Int64
}

type entryCacheItem struct {
	key   string
	entry datatypes.MemoryEntry
}

func newEntryCache(capacity int) *entryCache {
	if capacity <= 0 {
		capacity = entryCacheCapacity
	}
	return &entryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// entryCacheKey scopes an entry id to its collection.
func entryCacheKey(class, entryID string) string {
	return class + "/" + entryID
}

// Get returns the cached entry and moves it to the front.
func (c *entryCache) Get(key string) (datatypes.MemoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*entryCacheItem).entry, true
	}
	c.misses.Add(1)
	return datatypes.MemoryEntry{}, false
}

// Set adds or refreshes an entry, evicting the least recently used one at
// capacity. The cached copy never carries the dense vector; it is the
// ranking views that re-read vectors, and they fetch those from Weaviate.
func (c *entryCache) Set(key string, entry datatypes.MemoryEntry) {
	entry.DenseVector = nil

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entryCacheItem).entry = entry
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entryCacheItem).key)
		}
	}

	c.items[key] = c.order.PushFront(&entryCacheItem{key: key, entry: entry})
}

// Delete removes one entry.
func (c *entryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Purge clears the cache. Called on every tenant switch and on Clear.
func (c *entryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// PurgeClass drops every cached entry belonging to one collection. Linear in
// the cache size, which is bounded.
func (c *entryCache) PurgeClass(class string) {
	prefix := class + "/"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(elem)
			delete(c.items, key)
		}
	}
}

// Len returns the number of cached entries.
func (c *entryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss counters since process start.
func (c *entryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
