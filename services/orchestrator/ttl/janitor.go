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
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("engram.orchestrator.ttl")

// =============================================================================
// Dependencies
// =============================================================================

// SessionSource is the slice of the relational store the janitor sweeps.
type SessionSource interface {
	ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]datatypes.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// MemorySweeper purges working-memory entries whose TTL stamp has lapsed.
type MemorySweeper interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the janitor. Zero values fall back to defaults.
type Config struct {
	// SessionTTL is how long an idle session survives. Zero disables the
	// session sweep.
	SessionTTL time.Duration

	// Interval is the sweep cadence.
	Interval time.Duration

	// Jitter randomizes each wait by up to this much, so replicas sharing
	// a store do not sweep in lockstep.
	Jitter time.Duration

	// SessionBatch bounds sessions deleted per sweep.
	SessionBatch int

	// SweepTimeout bounds one whole sweep.
	SweepTimeout time.Duration
}

// DefaultConfig returns the production tuning: 30-day sessions swept hourly.
func DefaultConfig() Config {
	return Config{
		SessionTTL:   30 * 24 * time.Hour,
		Interval:     time.Hour,
		Jitter:       5 * time.Minute,
		SessionBatch: 100,
		SweepTimeout: 2 * time.Minute,
	}
}

// ConfigFromEnv overlays SESSION_TTL_DAYS and TTL_SWEEP_INTERVAL_MINUTES on
// the defaults. SESSION_TTL_DAYS=0 disables the session sweep explicitly.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SESSION_TTL_DAYS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.SessionTTL = time.Duration(n) * 24 * time.Hour
		}
	}
	if raw := os.Getenv("TTL_SWEEP_INTERVAL_MINUTES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Minute
		}
	}
	return cfg
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.SessionBatch <= 0 {
		c.SessionBatch = def.SessionBatch
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = def.SweepTimeout
	}
	return c
}

// =============================================================================
// Janitor
// =============================================================================

// SweepResult summarizes one sweep for the audit log.
type SweepResult struct {
	Started         time.Time `json:"started"`
	Duration        string    `json:"duration"`
	SessionsDeleted int       `json:"sessions_deleted"`
	EntriesPurged   int64     `json:"entries_purged"`
	Errors          []string  `json:"errors,omitempty"`
}

// Janitor runs the periodic expiry sweeps. Either source may be nil, which
// skips that sweep; the janitor keeps running for the other.
type Janitor struct {
	sessions SessionSource
	memories MemorySweeper
	clock    Clock
	audit    *AuditLog
	cfg      Config

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewJanitor wires a janitor. audit may be nil (slog still records sweeps).
func NewJanitor(sessions SessionSource, memories MemorySweeper, clock Clock, audit *AuditLog, cfg Config) *Janitor {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Janitor{
		sessions: sessions,
		memories: memories,
		clock:    clock,
		audit:    audit,
		cfg:      cfg.normalize(),
	}
}

// Start launches the background sweep loop. Starting a running janitor is
// an error.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return errors.New("ttl: janitor already started")
	}
	j.running = true
	j.done = make(chan struct{})
	j.stopped = make(chan struct{})

	go j.loop(ctx)
	slog.Info("TTL janitor started",
		"interval", j.cfg.Interval.String(),
		"session_ttl", j.cfg.SessionTTL.String())
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.done)
	stopped := j.stopped
	j.mu.Unlock()

	<-stopped
	slog.Info("TTL janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.stopped)
	for {
		wait := j.cfg.Interval
		if j.cfg.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(j.cfg.Jitter)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-j.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.SweepTimeout)
		j.Sweep(sweepCtx)
		cancel()
	}
}

// Sweep runs one expiry pass immediately. Exported so operators can trigger
// a pass outside the schedule and tests can drive the janitor directly.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	ctx, span := tracer.Start(ctx, "ttl.Sweep")
	defer span.End()

	result := SweepResult{Started: j.clock.Now()}

	if err := j.clock.CheckSanity(); err != nil {
		slog.Error("TTL sweep suspended, clock not trusted", "error", err)
		span.RecordError(err)
		result.Errors = append(result.Errors, err.Error())
		j.record(result)
		return result
	}

	if j.sessions != nil && j.cfg.SessionTTL > 0 {
		deleted, errs := j.sweepSessions(ctx)
		result.SessionsDeleted = deleted
		result.Errors = append(result.Errors, errs...)
	}
	if j.memories != nil {
		purged, err := j.memories.PurgeExpired(ctx, j.clock.Now())
		result.EntriesPurged = purged
		if err != nil {
			span.RecordError(err)
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.Duration = j.clock.Now().Sub(result.Started).String()
	span.SetAttributes(
		attribute.Int("sessions_deleted", result.SessionsDeleted),
		attribute.Int64("entries_purged", result.EntriesPurged),
	)
	j.record(result)
	return result
}

func (j *Janitor) sweepSessions(ctx context.Context) (int, []string) {
	cutoff := j.clock.Now().Add(-j.cfg.SessionTTL)
	expired, err := j.sessions.ExpiredSessions(ctx, cutoff, j.cfg.SessionBatch)
	if err != nil {
		return 0, []string{err.Error()}
	}

	var deleted int
	var errs []string
	for _, sess := range expired {
		if err := j.sessions.DeleteSession(ctx, sess.UserID, sess.SessionID); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("Expired sessions removed", "count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, errs
}

func (j *Janitor) record(result SweepResult) {
	if len(result.Errors) > 0 {
		slog.Warn("TTL sweep finished with errors",
			"sessions_deleted", result.SessionsDeleted,
			"entries_purged", result.EntriesPurged,
			"errors", len(result.Errors))
	} else {
		slog.Debug("TTL sweep finished",
			"sessions_deleted", result.SessionsDeleted,
			"entries_purged", result.EntriesPurged)
	}
	if j.audit != nil {
		if err := j.audit.Record(result); err != nil {
			slog.Warn("TTL audit write failed", "error", err)
		}
	}
}
