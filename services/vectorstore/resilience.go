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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConnState is the breaker's view of the Weaviate connection.
type ConnState int32

const (
	// StateReady: requests flow normally.
	StateReady ConnState = iota
	// StateDegraded: recent failures below the open threshold; requests
	// still flow.
	StateDegraded
	// StateOpen: failure threshold reached; requests fail fast until the
	// cooldown expires.
	StateOpen
	// StateProbing: cooldown expired; exactly one request is in flight to
	// test recovery.
	StateProbing
)

func (s ConnState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// breaker is a sliding-window circuit breaker. Failures within the window
// open the circuit; after the cooldown a single probe request is admitted,
// and its outcome decides between closing again and another cooldown.
type breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos of the last open transition
	probe    atomic.Bool  // a probe request is in flight

	mu       sync.Mutex // guards failures, next
	failures []time.Time
	next     int

	listener atomic.Pointer[func(from, to ConnState)]
}

func (b *breaker) init(threshold int, window, cooldown time.Duration) {
	b.threshold = threshold
	b.window = window
	b.cooldown = cooldown
	b.failures = make([]time.Time, threshold)
}

// State returns the current connection state.
func (b *breaker) State() ConnState {
	return ConnState(b.state.Load())
}

// admit decides whether a request may proceed. The returned cleanup must be
// called when the request was admitted as a probe.
func (b *breaker) admit() (cleanup func(), err error) {
	switch b.State() {
	case StateOpen:
		opened := time.Unix(0, b.openedAt.Load())
		if time.Since(opened) < b.cooldown {
			return nil, ErrStoreUnavailable
		}
		if !b.probe.CompareAndSwap(false, true) {
			return nil, ErrStoreUnavailable
		}
		b.transition(StateProbing)
		return func() { b.probe.Store(false) }, nil
	case StateProbing:
		return nil, ErrStoreUnavailable
	default:
		return func() {}, nil
	}
}

// recordSuccess closes the circuit after a successful probe and clears the
// degraded flag on the happy path.
func (b *breaker) recordSuccess() {
	switch b.State() {
	case StateProbing, StateDegraded:
		b.resetFailures()
		b.transition(StateReady)
	}
}

// recordFailure counts a failure into the sliding window and opens the
// circuit when the threshold is reached.
func (b *breaker) recordFailure() {
	if b.State() == StateProbing {
		b.openedAt.Store(time.Now().UnixNano())
		b.transition(StateOpen)
		return
	}

	b.mu.Lock()
	now := time.Now()
	b.failures[b.next] = now
	b.next = (b.next + 1) % len(b.failures)

	windowStart := now.Add(-b.window)
	recent := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			recent++
		}
	}
	b.mu.Unlock()

	if recent >= b.threshold {
		if b.State() != StateOpen {
			b.openedAt.Store(now.UnixNano())
			b.transition(StateOpen)
			slog.Warn("Vector store circuit opened",
				"failures", recent, "window", b.window)
		}
		return
	}
	if b.State() == StateReady {
		b.transition(StateDegraded)
	}
}

func (b *breaker) resetFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.next = 0
}

func (b *breaker) transition(to ConnState) {
	from := ConnState(b.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Info("Vector store connection state changed",
		"from", from.String(), "to", to.String())
	if fn := b.listener.Load(); fn != nil {
		(*fn)(from, to)
	}
}

// ConnectionState returns the store's view of the Weaviate connection.
func (s *WeaviateStore) ConnectionState() ConnState {
	return s.breaker.State()
}

// OnConnStateChange registers a callback invoked on every breaker state
// transition. At most one callback is kept; the event bus bridge uses this to
// surface degradation to operators.
func (s *WeaviateStore) OnConnStateChange(fn func(from, to ConnState)) {
	s.breaker.listener.Store(&fn)
}

// do runs one Weaviate operation under the breaker and the retry policy.
// Transport failures retry with exponential backoff and jitter; GraphQL and
// validation errors surface immediately. The last error is returned
// unwrapped so callers can add operation context.
func (s *WeaviateStore) do(ctx context.Context, op string, fn func() error) error {
	cleanup, err := s.breaker.admit()
	if err != nil {
		return fmt.Errorf("%w: %s rejected while circuit is open", err, op)
	}
	defer cleanup()

	span := trace.SpanFromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.String("op", op),
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			s.breaker.recordSuccess()
			return nil
		}
		if !retryable(lastErr) {
			break
		}
		slog.Warn("Vector store operation failed, retrying",
			"op", op, "attempt", attempt+1, "error", lastErr)
	}

	s.breaker.recordFailure()
	return lastErr
}

// backoff returns the exponential backoff for an attempt, jittered and capped.
func (s *WeaviateStore) backoff(attempt int) time.Duration {
	backoff := s.config.RetryBackoff * time.Duration(1<<attempt)
	if backoff > s.config.MaxRetryBackoff {
		backoff = s.config.MaxRetryBackoff
	}

	jitterRange := float64(backoff) * s.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		backoff = s.config.RetryBackoff
	}
	return backoff
}

// retryable reports whether an error is worth another attempt. Context
// cancellation is a caller decision; deadline expiry and network-level
// failures usually mean the server is restarting or briefly unreachable.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
