// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP and WebSocket surfaces of the
// orchestrator service.
//
// This file holds the token accumulator used by the chat stream. Model
// output is assembled in mlocked memory so a partially streamed response
// never reaches swap, and is hashed incrementally as fragments arrive so
// the finalized text carries an integrity digest.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorBufferSize bounds one streamed response. 512 KB holds
	// roughly 131k tokens at 4 bytes each, far past any model we serve.
	AccumulatorBufferSize = 512 * 1024

	// minMlockKB is the RLIMIT_MEMLOCK floor needed for one buffer.
	minMlockKB = 512
)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// TokenAccumulator collects streamed model fragments into one response.
//
// Implementations are safe for concurrent use, single-shot (unusable after
// Finalize or Destroy), and wipe their storage when done. The secure
// implementation keeps the buffer mlocked; the fallback uses ordinary heap
// memory and exists only for systems that cannot raise RLIMIT_MEMLOCK.
type TokenAccumulator interface {
	// Write appends one fragment and folds it into the running hash.
	// Fails once the buffer would overflow; the stream should abort.
	Write(token string) error

	// Finalize returns the assembled text and its SHA-256 hex digest,
	// then wipes the buffer. Single use.
	Finalize() (answer string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; meant
	// for error paths.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string

	// CreatedAt is the instantiation time, for lifetime accounting.
	CreatedAt() time.Time
}

// NewTokenAccumulator returns a secure accumulator when the system allows
// mlocking the buffer. When the mlock limit is too low, it falls back to
// heap memory only if ENGRAM_INSECURE_MEMORY=true acknowledges the risk;
// otherwise it fails so the operator sees the misconfiguration.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ENGRAM_INSECURE_MEMORY") == "true" {
			return newHeapAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise RLIMIT_MEMLOCK or set ENGRAM_INSECURE_MEMORY=true",
			mlockLimitKB, minMlockKB)
	}

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate %d byte secure buffer", AccumulatorBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator writes fragments into a memguard LockedBuffer: the
// pages are mlocked against swap, fenced by guard pages, and explicitly
// zeroed on destruction.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow: response too large")
	}
	if a.offset+len(token) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(token), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], token)
	a.offset += len(token)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized token accumulator",
		slog.String("accumulator_id", a.id),
		slog.Int("answer_length", len(answer)))
	return answer, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipe destroys the locked buffer. Callers hold the mutex.
func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Heap Fallback Implementation
// =============================================================================

// heapAccumulator mirrors secureAccumulator on ordinary memory. Zeroing on
// wipe is best effort: the GC may have copied the data already. Only
// constructed behind the ENGRAM_INSECURE_MEMORY opt-in.
type heapAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newHeapAccumulator() TokenAccumulator {
	acc := &heapAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, AccumulatorBufferSize),
		hasher:    sha256.New(),
	}
	slog.Warn("Created INSECURE token accumulator: response data may be swapped to disk",
		slog.String("accumulator_id", acc.id))
	return acc
}

func (a *heapAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow: response too large")
	}
	if len(a.data)+len(token) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(token), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *heapAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *heapAccumulator) ID() string { return a.id }

func (a *heapAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *heapAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Memguard Lifecycle
// =============================================================================

// initMemguard arms memguard's interrupt handler and probes the mlock
// limit once per process.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()

		if mlockSufficient {
			slog.Info("Secure memory initialized",
				slog.Int64("mlock_limit_kb", mlockLimitKB),
				slog.Int("required_kb", minMlockKB))
		} else {
			slog.Warn("mlock limit insufficient for secure accumulation",
				slog.Int64("mlock_limit_kb", mlockLimitKB),
				slog.Int("required_kb", minMlockKB))
		}
	})
}

// checkMlockLimit reads RLIMIT_MEMLOCK. Returns -1 KB for unlimited. When
// the limit cannot be read at all, secure allocation is attempted anyway
// and fails loudly later rather than silently downgrading.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", slog.String("error", err.Error()))
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockKB, limitKB
}

// MlockAvailable reports whether secure accumulation is possible and the
// current limit in KB (-1 when unlimited).
func MlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, mlockLimitKB
}

// PurgeSecureMemory wipes every memguard allocation. Called on graceful
// shutdown so no response text survives the process.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

var (
	_ TokenAccumulator = (*secureAccumulator)(nil)
	_ TokenAccumulator = (*heapAccumulator)(nil)
)
