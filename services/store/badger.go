// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists the service's relational records in BadgerDB: chat
// sessions and their messages, API keys, and registered agents.
//
// BadgerDB provides local embedded storage with low-latency access (~100µs),
// the warm tier of the persistence model:
//
//	Hot (RAM) → Warm (BadgerDB) → Cold (Weaviate)
//
// Every record is a JSON value under a typed key prefix:
//
//	sess/<user_id>/<session_id>   session record
//	msg/<session_id>/<seq>        chat message, zero-padded sequence
//	key/<sha256hex>               API key record, keyed by token digest
//	keyid/<key_id>                digest index for key management
//	agent/<user_id>/<agent_id>    agent record
//	agentslug/<slug>              primary-key index for slug lookups
//
// Messages are append-only: the store never rewrites one after commit, and
// the per-session sequence makes append order the key order.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("engram.store")

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("relational store is closed")

	// ErrSessionNotFound is returned when a session id does not resolve to a
	// record owned by the given user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAPIKeyNotFound is returned when neither digest nor key id resolves
	// to a stored key.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrAgentNotFound is returned when an agent id or slug does not resolve
	// to a registered agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrSlugTaken is returned by PutAgent when the slug index already points
	// at a different agent.
	ErrSlugTaken = errors.New("agent slug already in use")
)

const (
	// sequenceBandwidth is how many message sequence numbers each lease
	// reserves. Unreleased leases burn at most this many numbers per crash;
	// ordering is unaffected.
	sequenceBandwidth = 64

	// txnRetries bounds optimistic-conflict retries on read-modify-write
	// transactions.
	txnRetries = 5
)

// Config holds configuration for the relational store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	// Created if it does not exist.
	Path string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines and the store's own.
	// Nil silences Badger and falls back to slog.Default for the store.
	Logger *slog.Logger

	// GCInterval is how often value-log garbage collection runs. Zero
	// disables GC. Ignored for in-memory stores.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum share of discardable data before a
	// value-log file is rewritten. Zero means the default (0.5).
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and value-log GC
// every five minutes once half a file is garbage.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no sync, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed relational store. One instance serves every
// user; records are namespaced by the key prefixes documented on the package.
//
// All methods are safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence

	gcStop chan struct{}
	gcDone chan struct{}

	closed atomic.Bool
}

// Open opens (or creates) a store with the given configuration. The caller
// must Close it when done.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store config: path is required for a persistent store")
	}
	if cfg.GCDiscardRatio <= 0 {
		cfg.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}
	if cfg.GCDiscardRatio >= 1 {
		return nil, errors.New("store config: gc_discard_ratio must be below 1")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	// Records are overwritten in place; old versions carry no value here.
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Path, err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
		seqs:   make(map[string]*badger.Sequence),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	s.logger.Info("Opened relational store",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Bool("sync_writes", cfg.SyncWrites))
	return s, nil
}

// OpenInMemory opens a store that lives entirely in RAM. For tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// OpenFromEnv opens a persistent store under ENGRAM_DATA_DIR with production
// defaults.
func OpenFromEnv() (*Store, error) {
	dir := os.Getenv("ENGRAM_DATA_DIR")
	if dir == "" {
		return nil, errors.New("ENGRAM_DATA_DIR environment variable not set")
	}
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(dir, "store")
	return Open(cfg)
}

// Ready reports whether the database accepts reads. Serves the health
// endpoint.
func (s *Store) Ready(ctx context.Context) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		return nil
	})
}

// Close releases message sequences, stops garbage collection, and closes the
// database. Subsequent operations fail with ErrStoreClosed; repeated calls
// are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	s.seqMu.Lock()
	for id, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			s.logger.Warn("Failed to release message sequence",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		delete(s.seqs, id)
	}
	s.seqMu.Unlock()
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Badger value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// update runs fn in a read-write transaction, retrying a bounded number of
// times when optimistic concurrency control reports a commit conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	var err error
	for attempt := 0; attempt < txnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// view runs fn in a read-only transaction.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// sequence returns the session's message sequence, opening it on first use.
func (s *Store) sequence(sessionID string) (*badger.Sequence, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if seq, ok := s.seqs[sessionID]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence(sequenceKey(sessionID), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("failed to open message sequence for session %q: %w", sessionID, err)
	}
	s.seqs[sessionID] = seq
	return seq, nil
}

// dropSequence releases and forgets a session's sequence so a reused session
// id starts numbering from zero again.
func (s *Store) dropSequence(sessionID string) {
	s.seqMu.Lock()
	seq, ok := s.seqs[sessionID]
	delete(s.seqs, sessionID)
	s.seqMu.Unlock()
	if !ok {
		return
	}
	if err := seq.Release(); err != nil {
		s.logger.Warn("Failed to release message sequence",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func sequenceKey(sessionID string) []byte {
	return []byte("seq/msg/" + sessionID)
}

// deletePrefix removes every key under prefix, splitting the work across
// transactions when a batch outgrows Badger's transaction limit. Returns the
// number of keys deleted. Keys written concurrently with the scan may
// survive.
func (s *Store) deletePrefix(ctx context.Context, prefix []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	var keys [][]byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, key := range keys {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return 0, fmt.Errorf("failed to commit partial delete: %w", err)
			}
			txn = s.db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			return 0, err
		}
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return len(keys), nil
}

// getJSON loads the value at key into dst. Returns badger.ErrKeyNotFound
// untranslated; callers map it to their domain sentinel.
func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

// setJSON marshals v and stores it at key.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return txn.Set(key, data)
}

// checkSegment rejects identifiers that cannot serve as key path segments.
// A separator inside one would alias another record's key range.
func checkSegment(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if strings.ContainsRune(id, '/') {
		return fmt.Errorf("%s %q must not contain '/'", field, id)
	}
	return nil
}
