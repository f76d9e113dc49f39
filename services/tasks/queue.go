// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks runs writes that are off the response's critical path.
//
// Handlers enqueue work and return; a small worker pool executes it with a
// recover guard and a per-task timeout. Enqueue never blocks: when the
// queue is full the task is dropped and logged. Delivery is at-least-once
// within the process lifetime only — nothing survives a restart, and no
// outcome is observable by the response path.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultCapacity bounds the pending-task channel.
	defaultCapacity = 256

	// defaultWorkers is the pool size.
	defaultWorkers = 2

	// defaultTaskTimeout bounds one task's run.
	defaultTaskTimeout = 60 * time.Second
)

// Task is one unit of background work. Run receives a context bounded by
// the task timeout, detached from any request.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Queue executes tasks on a bounded worker pool. Safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	closed      bool
	tasks       chan Task
	wg          sync.WaitGroup
	taskTimeout time.Duration

	dropped atomic.Int64
}

// NewQueue starts a pool. Non-positive arguments fall back to the defaults
// (capacity 256, 2 workers, 60s per task).
func NewQueue(capacity, workers int, taskTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	q := &Queue{
		tasks:       make(chan Task, capacity),
		taskTimeout: taskTimeout,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue hands a task to the pool. It never blocks: a full or closed
// queue drops the task, logs it, and returns false.
func (q *Queue) Enqueue(task Task) bool {
	if task.Run == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		slog.Warn("Background task dropped, queue closed", "task", task.Name)
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		q.dropped.Add(1)
		slog.Warn("Background task dropped, queue full", "task", task.Name)
		return false
	}
}

// Dropped reports how many tasks were refused since startup.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops intake and waits for queued tasks to drain, bounded by ctx.
// Idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task queue close: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.runTask(task)
	}
}

// runTask executes one task with recover and a timeout. Tasks run on a
// detached context: they deliberately outlive the request that queued them.
func (q *Queue) runTask(task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = q.taskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Background task panicked", "task", task.Name, "panic", r)
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		slog.Warn("Background task failed",
			"task", task.Name, "error", err, "elapsed", time.Since(start))
	}
}
