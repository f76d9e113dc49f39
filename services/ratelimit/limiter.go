// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit admits requests against per-key budgets.
//
// Each key gets requests-per-minute and tokens-per-minute buckets keyed by
// epoch minute, plus a live concurrency counter. Admission checks and
// increments all three atomically under one mutex. State is per-process:
// a multi-replica deployment multiplies the effective limits by the
// replica count.
package ratelimit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// bucketRetentionMinutes is how many epoch minutes a bucket outlives its
// own minute before the purge drops it.
const bucketRetentionMinutes = 2

// usage is one key's counters within one epoch minute.
type usage struct {
	requests int
	tokens   int
}

// Limiter tracks per-key admission state. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]map[int64]*usage
	concurrency map[string]int
	now         func() time.Time

	denied atomic.Int64
}

// NewLimiter builds an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets:     make(map[string]map[int64]*usage),
		concurrency: make(map[string]int),
		now:         time.Now,
	}
}

// AllowRequest admits one request for the key, charging estTokens against
// its token budget. Denials do not consume budget; admissions must be
// paired with EndRequest. Zero limits fall back to the service defaults.
func (l *Limiter) AllowRequest(keyID string, limits datatypes.RateLimits, estTokens int) bool {
	limits.EnsureDefaults()
	if estTokens < 0 {
		estTokens = 0
	}
	minute := l.now().Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	perKey := l.buckets[keyID]
	if perKey == nil {
		perKey = make(map[int64]*usage, 2)
		l.buckets[keyID] = perKey
	}
	u := perKey[minute]
	if u == nil {
		u = &usage{}
		perKey[minute] = u
	}

	var limit string
	switch {
	case u.requests+1 > limits.RPM:
		limit = "rpm"
	case u.tokens+estTokens > limits.TPM:
		limit = "tpm"
	case l.concurrency[keyID]+1 > limits.Concurrency:
		limit = "concurrency"
	}
	if limit != "" {
		l.denied.Add(1)
		slog.Warn("Request denied by rate limiter",
			slog.String("key_id", keyID), slog.String("limit", limit))
		return false
	}

	u.requests++
	u.tokens += estTokens
	l.concurrency[keyID]++
	l.purgeLocked(minute)
	return true
}

// EndRequest releases one admitted request's concurrency slot. Minute
// budgets are not refunded.
func (l *Limiter) EndRequest(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.concurrency[keyID]; n > 1 {
		l.concurrency[keyID] = n - 1
	} else {
		delete(l.concurrency, keyID)
	}
}

// Denied reports how many requests were refused since startup.
func (l *Limiter) Denied() int64 {
	return l.denied.Load()
}

// EstimateTokens approximates the token cost of a request payload at four
// bytes per token, never less than one. Admission only needs a coarse bound;
// the real usage is unknown until the model has run.
func EstimateTokens(payload string) int {
	n := len(payload) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// purgeLocked drops minute buckets old enough that neither budget can
// consult them again. Caller holds mu.
func (l *Limiter) purgeLocked(current int64) {
	for keyID, perKey := range l.buckets {
		for m := range perKey {
			if current-m >= bucketRetentionMinutes {
				delete(perKey, m)
			}
		}
		if len(perKey) == 0 {
			delete(l.buckets, keyID)
		}
	}
}
