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
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
)

// cacheContextPrefix is how many bytes of the joined context participate in
// the cache key. Rewrites are dominated by the query and concepts; hashing
// the whole context would make near-identical retrievals miss.
const cacheContextPrefix = 100

// cacheKey fingerprints one rewrite request. History is deliberately
// excluded: its half-weight terms rarely change the outcome, and including
// it would make every turn a cache miss.
func cacheKey(query string, ragContext, keyConcepts []string, mode Mode) string {
	ctx := strings.Join(ragContext, " ")
	if len(ctx) > cacheContextPrefix {
		ctx = ctx[:cacheContextPrefix]
	}
	concepts := make([]string, len(keyConcepts))
	copy(concepts, keyConcepts)
	sort.Strings(concepts)

	sum := md5.Sum([]byte(query + "\x00" + ctx + "\x00" + strings.Join(concepts, ",") + "\x00" + string(mode)))
	return hex.EncodeToString(sum[:])
}

// rewriteCache is a fixed-size LRU of rewrite results. Safe for concurrent
// use.
type rewriteCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recent
}

type rewriteEntry struct {
	key   string
	value string
}

func newRewriteCache(capacity int) *rewriteCache {
	if capacity <= 0 {
		capacity = cacheCapacity
	}
	return &rewriteCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *rewriteCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*rewriteEntry).value, true
}

func (c *rewriteCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*rewriteEntry).value = value
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&rewriteEntry{key: key, value: value})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*rewriteEntry).key)
	}
}

func (c *rewriteCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
