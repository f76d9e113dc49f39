// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the in-process pub/sub bus.
//
// Emitters publish typed events; subscribers receive them on buffered
// channels, per kind or globally. Fan-out never blocks: a subscriber that
// falls behind loses events (logged), not the publisher. A small ring
// retains recent events for late subscribers and dashboards.
//
// The bus is constructed at startup and injected; there is no package-level
// singleton.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names one event type.
type Kind string

const (
	KindAgentHeartbeat  Kind = "agent.heartbeat"
	KindMemoryAdded     Kind = "memory.added"
	KindMemorySearched  Kind = "memory.searched"
	KindSessionStarted  Kind = "session.started"
	KindSessionEnded    Kind = "session.ended"
	KindIndexUpdated    Kind = "index.updated"
	KindContextQuery    Kind = "context.query"
	KindKeyCreated      Kind = "key.created"
	KindRateLimitDenied Kind = "ratelimit.denied"

	// KindAll subscribes to every kind.
	KindAll Kind = "*"
)

// Event is one bus message. Data carries kind-specific fields.
type Event struct {
	Type      Kind           `json:"type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	// ringCapacity bounds how many recent events the bus retains.
	ringCapacity = 100

	// subscriberBuffer is each subscriber channel's depth before events
	// start dropping for it.
	subscriberBuffer = 16
)

type subscriber struct {
	id   int
	kind Kind
	ch   chan Event
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	ring   *eventRing
	closed bool
}

// NewBus builds an empty bus retaining the last 100 events.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		ring: newEventRing(ringCapacity),
	}
}

// Publish stamps the event if needed, records it in the ring, and delivers
// it to matching subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring.push(evt)
	for _, sub := range b.subs {
		if sub.kind != KindAll && sub.kind != evt.Type {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("Event dropped for slow subscriber",
				"subscriber", sub.id, "type", string(evt.Type))
		}
	}
}

// Subscribe registers for one kind (or KindAll) and returns the subscriber
// id and receive channel. The channel closes on Unsubscribe or bus Close.
func (b *Bus) Subscribe(kind Kind) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{
		id:   b.nextID,
		kind: kind,
		ch:   make(chan Event, subscriberBuffer),
	}
	if b.closed {
		close(sub.ch)
		return sub.id, sub.ch
	}
	b.subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Listen invokes handler for every matching event on a dedicated goroutine.
// A panicking handler is logged and stays subscribed. The returned id works
// with Unsubscribe.
func (b *Bus) Listen(kind Kind, handler func(Event)) int {
	id, ch := b.Subscribe(kind)
	go func() {
		for evt := range ch {
			invoke(id, evt, handler)
		}
	}()
	return id
}

func invoke(id int, evt Event, handler func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event listener panicked",
				"subscriber", id, "type", string(evt.Type), "panic", r)
		}
	}()
	handler(evt)
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.lastN(n)
}

// Close drops every subscriber and stops accepting events. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// eventRing is a fixed-size circular buffer of events. Not safe for
// concurrent use; the bus synchronizes.
type eventRing struct {
	data  []Event
	head  int
	count int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = ringCapacity
	}
	return &eventRing{data: make([]Event, capacity)}
}

// push records an event, overwriting the oldest when full.
func (r *eventRing) push(evt Event) {
	r.data[r.head] = evt
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// lastN returns up to n most recent events, oldest first.
func (r *eventRing) lastN(n int) []Event {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	start := r.head - n
	if start < 0 {
		start += len(r.data)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}
