// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// Sessions are keyed by owner so per-user listings are one prefix scan;
// messages are keyed by session with a zero-padded sequence so append order
// is key order.
func sessionKey(userID, sessionID string) []byte {
	return []byte(fmt.Sprintf("sess/%s/%s", userID, sessionID))
}

func sessionPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("sess/%s/", userID))
}

func messageKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%012d", sessionID, seq))
}

func messagePrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("msg/%s/", sessionID))
}

// CreateSession mints a new chat session for userID and persists its record.
// The session id is a random UUID; the title stays empty until the first
// message arrives.
func (s *Store) CreateSession(ctx context.Context, userID string) (*datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "store.CreateSession")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if err := checkSegment("user id", userID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	sess := &datatypes.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, sessionKey(userID, sess.SessionID), sess)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create session for user %q: %w", userID, err)
	}

	s.logger.Debug("Created session",
		slog.String("user_id", userID),
		slog.String("session_id", sess.SessionID))
	return sess, nil
}

// GetSession loads one session record owned by userID.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "store.GetSession")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	var sess datatypes.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(userID, sessionID), &sess)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load session %q: %w", sessionID, err)
	}
	return &sess, nil
}

// AppendMessage durably appends one message to a session, creating the
// session record on first write. The title comes from the first message;
// updated_at advances on every append.
//
// Concurrent appends to the same session may interleave. Each message lands
// under its own sequence key, so none are lost; only arrival order decides
// their relative position.
func (s *Store) AppendMessage(ctx context.Context, sessionID, userID, role, content string) error {
	ctx, span := tracer.Start(ctx, "store.AppendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("role", role),
	)

	if err := checkSegment("user id", userID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := checkSegment("session id", sessionID); err != nil {
		span.RecordError(err)
		return err
	}

	msg := datatypes.ChatMessage{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	seq, err := s.sequence(sessionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	n, err := seq.Next()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to advance message sequence for session %q: %w", sessionID, err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		var sess datatypes.Session
		err := getJSON(txn, sessionKey(userID, sessionID), &sess)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			sess = datatypes.Session{
				SessionID: sessionID,
				UserID:    userID,
				Title:     datatypes.TitleFromContent(content),
				CreatedAt: msg.Timestamp,
				UpdatedAt: msg.Timestamp,
			}
		case err != nil:
			return err
		default:
			if sess.Title == "" {
				sess.Title = datatypes.TitleFromContent(content)
			}
			sess.UpdatedAt = msg.Timestamp
		}
		if err := setJSON(txn, messageKey(sessionID, n), &msg); err != nil {
			return err
		}
		return setJSON(txn, sessionKey(userID, sessionID), &sess)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append message to session %q: %w", sessionID, err)
	}

	s.logger.Debug("Appended chat message",
		slog.String("session_id", sessionID),
		slog.String("role", role),
		slog.Uint64("seq", n))
	return nil
}

// GetSessionMessages returns the last topK messages of a session in
// oldest-to-newest order. topK <= 0 returns the whole session.
func (s *Store) GetSessionMessages(ctx context.Context, userID, sessionID string, topK int) ([]datatypes.ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "store.GetSessionMessages")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("top_k", topK),
	)

	var out []datatypes.ChatMessage
	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(userID, sessionID)); err != nil {
			return err
		}

		prefix := messagePrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Newest first: seek past the highest possible sequence key, then
		// walk backwards until topK messages are collected.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if topK > 0 && len(out) == topK {
				break
			}
			var msg datatypes.ChatMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return fmt.Errorf("failed to decode message %s: %w", it.Item().Key(), err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load messages for session %q: %w", sessionID, err)
	}

	// Back into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	span.SetAttributes(attribute.Int("messages", len(out)))
	return out, nil
}

// ListSessions returns every session owned by userID, most recently updated
// first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "store.ListSessions")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	var out []datatypes.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := sessionPrefix(userID)
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("failed to decode session %s: %w", it.Item().Key(), err)
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list sessions for user %q: %w", userID, err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	span.SetAttributes(attribute.Int("sessions", len(out)))
	return out, nil
}

// ExpiredSessions returns up to limit sessions, across all users, whose last
// update predates cutoff. The TTL janitor drives this; limit bounds one sweep
// so a backlog is drained over several cycles instead of one long scan.
func (s *Store) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "store.ExpiredSessions")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	var out []datatypes.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte("sess/")
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var sess datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("failed to decode session %s: %w", it.Item().Key(), err)
			}
			if sess.UpdatedAt.Before(cutoff) {
				out = append(out, sess)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to scan for expired sessions: %w", err)
	}
	span.SetAttributes(attribute.Int("sessions", len(out)))
	return out, nil
}

// DeleteSession removes a session record, all of its messages, and the
// sequence behind them. Unknown sessions fail with ErrSessionNotFound.
//
// Deletion is not atomic against concurrent appends: an append racing the
// delete can recreate the session with that message as its first.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	ctx, span := tracer.Start(ctx, "store.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	err := s.update(ctx, func(txn *badger.Txn) error {
		key := sessionKey(userID, sessionID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete session %q: %w", sessionID, err)
	}

	s.dropSequence(sessionID)
	removed, err := s.deletePrefix(ctx, messagePrefix(sessionID))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete messages for session %q: %w", sessionID, err)
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(sequenceKey(sessionID))
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to reset message sequence for session %q: %w", sessionID, err)
	}

	s.logger.Info("Deleted session",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Int("messages", removed))
	return nil
}
