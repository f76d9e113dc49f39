// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires aged data in the background: chat sessions past their
// retention window in the relational store, and working-memory entries past
// their TTL stamp in the vector store.
package ttl

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time for the janitor so sweeps are testable and a skewed
// system clock cannot silently mass-delete live data.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// CheckSanity reports an error when the clock cannot be trusted for
	// expiry decisions.
	CheckSanity() error
}

// maxBackwardJump is how far the clock may move backwards between calls
// before sweeps are suspended. Small NTP corrections pass; a reset to a
// stale RTC does not.
const maxBackwardJump = 5 * time.Minute

// earliestSaneTime predates any data this service could have written. A
// clock before it means the battery-backed RTC was lost.
var earliestSaneTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// systemClock wraps the real clock with backward-jump detection.
type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystemClock returns the production clock.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *systemClock) CheckSanity() error {
	now := time.Now().UTC()
	if now.Before(earliestSaneTime) {
		return fmt.Errorf("system clock reads %s, before any plausible deployment date", now.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.IsZero() && c.last.Sub(now) > maxBackwardJump {
		return fmt.Errorf("system clock jumped backwards %s", c.last.Sub(now))
	}
	c.last = now
	return nil
}

// fixedClock serves tests.
type fixedClock struct {
	now time.Time
}

// NewFixedClock returns a clock pinned to now, always sane.
func NewFixedClock(now time.Time) Clock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time     { return c.now }
func (c *fixedClock) CheckSanity() error { return nil }
