// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// fakeSessions is an in-memory SessionSource recording what got deleted.
type fakeSessions struct {
	mu       sync.Mutex
	sessions []datatypes.Session
	deleted  []string
	listErr  error
	delErr   error
}

func (f *fakeSessions) ExpiredSessions(_ context.Context, cutoff time.Time, limit int) ([]datatypes.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []datatypes.Session
	for _, s := range f.sessions {
		if s.UpdatedAt.Before(cutoff) {
			out = append(out, s)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, userID+"/"+sessionID)
	return nil
}

type fakeSweeper struct {
	purged int64
	err    error
	gotNow time.Time
}

func (f *fakeSweeper) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	f.gotNow = now
	return f.purged, f.err
}

// brokenClock always fails the sanity check.
type brokenClock struct{}

func (brokenClock) Now() time.Time     { return time.Now() }
func (brokenClock) CheckSanity() error { return errors.New("clock went sideways") }

func TestSweep_DeletesOnlyExpiredSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSessions{sessions: []datatypes.Session{
		{SessionID: "old", UserID: "alice", UpdatedAt: now.Add(-40 * 24 * time.Hour)},
		{SessionID: "fresh", UserID: "alice", UpdatedAt: now.Add(-time.Hour)},
		{SessionID: "stale", UserID: "bob", UpdatedAt: now.Add(-31 * 24 * time.Hour)},
	}}
	sweeper := &fakeSweeper{purged: 7}

	j := NewJanitor(src, sweeper, NewFixedClock(now), nil, Config{
		SessionTTL: 30 * 24 * time.Hour,
	})
	result := j.Sweep(context.Background())

	assert.Equal(t, 2, result.SessionsDeleted)
	assert.Equal(t, int64(7), result.EntriesPurged)
	assert.Empty(t, result.Errors)
	assert.ElementsMatch(t, []string{"alice/old", "bob/stale"}, src.deleted)
	assert.Equal(t, now, sweeper.gotNow)
}

func TestSweep_ZeroTTLDisablesSessionSweep(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSessions{sessions: []datatypes.Session{
		{SessionID: "ancient", UserID: "alice", UpdatedAt: now.Add(-1000 * time.Hour)},
	}}

	j := NewJanitor(src, nil, NewFixedClock(now), nil, Config{SessionTTL: 0})
	result := j.Sweep(context.Background())

	assert.Zero(t, result.SessionsDeleted)
	assert.Empty(t, src.deleted)
}

func TestSweep_SuspendsOnInsaneClock(t *testing.T) {
	src := &fakeSessions{sessions: []datatypes.Session{
		{SessionID: "old", UserID: "alice", UpdatedAt: time.Time{}},
	}}
	sweeper := &fakeSweeper{purged: 3}

	j := NewJanitor(src, sweeper, brokenClock{}, nil, Config{SessionTTL: time.Hour})
	result := j.Sweep(context.Background())

	assert.Zero(t, result.SessionsDeleted)
	assert.Zero(t, result.EntriesPurged)
	require.NotEmpty(t, result.Errors)
	assert.Empty(t, src.deleted)
	assert.True(t, sweeper.gotNow.IsZero(), "sweeper must not run with an untrusted clock")
}

func TestSweep_CollectsErrorsAndContinues(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSessions{
		sessions: []datatypes.Session{
			{SessionID: "old", UserID: "alice", UpdatedAt: now.Add(-48 * time.Hour)},
		},
		delErr: errors.New("store offline"),
	}
	sweeper := &fakeSweeper{purged: 2, err: errors.New("weaviate timeout")}

	j := NewJanitor(src, sweeper, NewFixedClock(now), nil, Config{SessionTTL: 24 * time.Hour})
	result := j.Sweep(context.Background())

	assert.Zero(t, result.SessionsDeleted)
	assert.Equal(t, int64(2), result.EntriesPurged)
	assert.Len(t, result.Errors, 2)
}

func TestSweep_RespectsSessionBatch(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSessions{}
	for i := 0; i < 10; i++ {
		src.sessions = append(src.sessions, datatypes.Session{
			SessionID: string(rune('a' + i)),
			UserID:    "alice",
			UpdatedAt: now.Add(-48 * time.Hour),
		})
	}

	j := NewJanitor(src, nil, NewFixedClock(now), nil, Config{
		SessionTTL:   24 * time.Hour,
		SessionBatch: 3,
	})
	result := j.Sweep(context.Background())

	assert.Equal(t, 3, result.SessionsDeleted)
}

func TestSweep_WritesAuditLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweeps", "ttl.jsonl")
	audit, err := NewAuditLog(path)
	require.NoError(t, err)
	defer audit.Close()

	now := time.Now().UTC()
	src := &fakeSessions{sessions: []datatypes.Session{
		{SessionID: "old", UserID: "alice", UpdatedAt: now.Add(-48 * time.Hour)},
	}}

	j := NewJanitor(src, nil, NewFixedClock(now), audit, Config{SessionTTL: 24 * time.Hour})
	j.Sweep(context.Background())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var logged SweepResult
	require.NoError(t, json.Unmarshal(raw, &logged))
	assert.Equal(t, 1, logged.SessionsDeleted)
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(&fakeSessions{}, nil, NewFixedClock(time.Now()), nil, Config{
		SessionTTL: time.Hour,
		Interval:   time.Hour, // never fires during the test
	})

	require.NoError(t, j.Start(context.Background()))
	assert.Error(t, j.Start(context.Background()), "second Start must fail")

	j.Stop()
	j.Stop() // idempotent

	// A stopped janitor can be started again.
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_TTL_DAYS", "7")
	t.Setenv("TTL_SWEEP_INTERVAL_MINUTES", "15")

	cfg := ConfigFromEnv()
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 15*time.Minute, cfg.Interval)

	t.Setenv("SESSION_TTL_DAYS", "0")
	assert.Zero(t, ConfigFromEnv().SessionTTL)
}
