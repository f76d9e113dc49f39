// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history caches recent chat messages per user and session.
//
// The cache fronts the relational store on the hot path of chat turns:
// reads hit the cache first and fall back to the store, writes go to both.
// It is an optimization only — eviction or a process restart loses nothing
// the store does not already hold.
package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

const (
	// defaultMaxPerSession bounds the messages kept per session.
	defaultMaxPerSession = 30

	// defaultMaxSessionsPerUser bounds the sessions kept per user.
	defaultMaxSessionsPerUser = 300
)

// FetchFunc loads the most recent messages of one session from durable
// storage, oldest first.
type FetchFunc func(ctx context.Context, sessionID string, topK int) ([]datatypes.ChatMessage, error)

// Cache holds the recent message tail of each session, keyed by user and
// session. Safe for concurrent use; one mutex covers all state.
type Cache struct {
	mu                 sync.Mutex
	maxPerSession      int
	maxSessionsPerUser int
	users              map[string]map[string][]datatypes.ChatMessage
}

// NewCache builds a cache. Non-positive bounds fall back to the defaults
// (30 messages per session, 300 sessions per user).
func NewCache(maxPerSession, maxSessionsPerUser int) *Cache {
	if maxPerSession <= 0 {
		maxPerSession = defaultMaxPerSession
	}
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = defaultMaxSessionsPerUser
	}
	return &Cache{
		maxPerSession:      maxPerSession,
		maxSessionsPerUser: maxSessionsPerUser,
		users:              make(map[string]map[string][]datatypes.ChatMessage),
	}
}

// Get returns a copy of the cached messages for the session, oldest first,
// or nil when the session is not cached.
func (c *Cache) Get(userID, sessionID string) []datatypes.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.users[userID][sessionID]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]datatypes.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Set replaces the session's cached messages, keeping the newest
// maxPerSession of them.
func (c *Cache) Set(userID, sessionID string, messages []datatypes.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(userID, sessionID, messages)
}

// Append adds one message to the session's tail, dropping the oldest when
// the session is full.
func (c *Cache) Append(userID, sessionID string, msg datatypes.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := c.sessionsFor(userID, sessionID)
	msgs := append(sessions[sessionID], msg)
	if len(msgs) > c.maxPerSession {
		trimmed := make([]datatypes.ChatMessage, c.maxPerSession)
		copy(trimmed, msgs[len(msgs)-c.maxPerSession:])
		msgs = trimmed
	}
	sessions[sessionID] = msgs
}

// Forget drops one session. Unknown sessions are a no-op.
func (c *Cache) Forget(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := c.users[userID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(c.users, userID)
	}
}

// Preload warms the cache for the given sessions on a background goroutine.
// Each session is fetched independently; a failed fetch is logged and
// skipped. Sessions already cached are left alone, since the cache may hold
// appends the store has not committed yet.
func (c *Cache) Preload(ctx context.Context, userID string, sessionIDs []string, fetch FetchFunc) {
	if fetch == nil || len(sessionIDs) == 0 {
		return
	}
	ids := make([]string, len(sessionIDs))
	copy(ids, sessionIDs)
	go func() {
		for _, sessionID := range ids {
			if ctx.Err() != nil {
				return
			}
			if c.contains(userID, sessionID) {
				continue
			}
			msgs, err := fetch(ctx, sessionID, c.maxPerSession)
			if err != nil {
				slog.Warn("History preload failed for session",
					"user_id", userID, "session_id", sessionID, "error", err)
				continue
			}
			c.setIfAbsent(userID, sessionID, msgs)
		}
	}()
}

func (c *Cache) contains(userID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[userID][sessionID]
	return ok
}

// setIfAbsent stores unless an Append or Set won the race during the fetch.
func (c *Cache) setIfAbsent(userID, sessionID string, messages []datatypes.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[userID][sessionID]; ok {
		return
	}
	c.store(userID, sessionID, messages)
}

// store writes the newest maxPerSession messages. Caller holds mu.
func (c *Cache) store(userID, sessionID string, messages []datatypes.ChatMessage) {
	if len(messages) > c.maxPerSession {
		messages = messages[len(messages)-c.maxPerSession:]
	}
	stored := make([]datatypes.ChatMessage, len(messages))
	copy(stored, messages)
	c.sessionsFor(userID, sessionID)[sessionID] = stored
}

// sessionsFor returns the user's session map, evicting an arbitrary other
// session when adding sessionID would exceed the per-user cap. Caller holds
// mu.
func (c *Cache) sessionsFor(userID, sessionID string) map[string][]datatypes.ChatMessage {
	sessions := c.users[userID]
	if sessions == nil {
		sessions = make(map[string][]datatypes.ChatMessage, 1)
		c.users[userID] = sessions
	}
	if _, ok := sessions[sessionID]; !ok && len(sessions) >= c.maxSessionsPerUser {
		for victim := range sessions {
			delete(sessions, victim)
			break
		}
	}
	return sessions
}
