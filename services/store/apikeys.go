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
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// The primary row is keyed by token digest so validation is a single point
// lookup; the key-id index serves management operations that never see the
// plaintext.
const apiKeyScanPrefix = "key/"

func apiKeyKey(hash string) []byte {
	return []byte(apiKeyScanPrefix + hash)
}

func keyIDKey(keyID string) []byte {
	return []byte("keyid/" + keyID)
}

// PutKey persists an API key record and its key-id index entry. The record
// must carry the token digest, never the plaintext.
func (s *Store) PutKey(ctx context.Context, key *datatypes.APIKey) error {
	ctx, span := tracer.Start(ctx, "store.PutKey")
	defer span.End()

	if key == nil {
		return errors.New("api key record is required")
	}
	span.SetAttributes(attribute.String("key_id", key.KeyID))
	if err := checkSegment("key id", key.KeyID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := checkSegment("user id", key.UserID); err != nil {
		span.RecordError(err)
		return err
	}
	if key.HashedKey == "" {
		err := errors.New("api key record is missing its digest")
		span.RecordError(err)
		return err
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, apiKeyKey(key.HashedKey), key); err != nil {
			return err
		}
		return txn.Set(keyIDKey(key.KeyID), []byte(key.HashedKey))
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store api key %q: %w", key.KeyID, err)
	}
	return nil
}

// GetKeyByHash loads the key record for a token digest. This is the
// validation path: the caller hashes the presented token and looks it up.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*datatypes.APIKey, error) {
	ctx, span := tracer.Start(ctx, "store.GetKeyByHash")
	defer span.End()

	if hash == "" {
		return nil, ErrAPIKeyNotFound
	}
	var key datatypes.APIKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, apiKeyKey(hash), &key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load api key by digest: %w", err)
	}
	return &key, nil
}

// ListKeys returns every key owned by userID, newest first. The scan walks
// the whole key table; fine for an embedded store with per-user key counts
// in the tens.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]datatypes.APIKey, error) {
	ctx, span := tracer.Start(ctx, "store.ListKeys")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	var out []datatypes.APIKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(apiKeyScanPrefix)
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var key datatypes.APIKey
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &key)
			})
			if err != nil {
				return fmt.Errorf("failed to decode api key %s: %w", it.Item().Key(), err)
			}
			if key.UserID == userID {
				out = append(out, key)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list api keys for user %q: %w", userID, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].KeyID < out[j].KeyID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	span.SetAttributes(attribute.Int("keys", len(out)))
	return out, nil
}

// SetKeyStatus flips a key between active and disabled without touching the
// rest of the record.
func (s *Store) SetKeyStatus(ctx context.Context, keyID, status string) error {
	ctx, span := tracer.Start(ctx, "store.SetKeyStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("key_id", keyID),
		attribute.String("status", status),
	)

	if status != datatypes.KeyStatusActive && status != datatypes.KeyStatusDisabled {
		err := fmt.Errorf("unknown key status %q", status)
		span.RecordError(err)
		return err
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		hash, err := resolveKeyHash(txn, keyID)
		if err != nil {
			return err
		}
		var key datatypes.APIKey
		if err := getJSON(txn, apiKeyKey(hash), &key); err != nil {
			return err
		}
		key.Status = status
		return setJSON(txn, apiKeyKey(hash), &key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, keyID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set status of api key %q: %w", keyID, err)
	}
	return nil
}

// MarkKeyUsed stamps the record's last-used time. Called from the auth path
// after a successful validation.
func (s *Store) MarkKeyUsed(ctx context.Context, hash string, when time.Time) error {
	ctx, span := tracer.Start(ctx, "store.MarkKeyUsed")
	defer span.End()

	err := s.update(ctx, func(txn *badger.Txn) error {
		var key datatypes.APIKey
		if err := getJSON(txn, apiKeyKey(hash), &key); err != nil {
			return err
		}
		used := when.UTC()
		key.LastUsedAt = &used
		return setJSON(txn, apiKeyKey(hash), &key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrAPIKeyNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark api key used: %w", err)
	}
	return nil
}

// DeleteKey removes a key record and its index entry.
func (s *Store) DeleteKey(ctx context.Context, keyID string) error {
	ctx, span := tracer.Start(ctx, "store.DeleteKey")
	defer span.End()
	span.SetAttributes(attribute.String("key_id", keyID))

	err := s.update(ctx, func(txn *badger.Txn) error {
		hash, err := resolveKeyHash(txn, keyID)
		if err != nil {
			return err
		}
		if err := txn.Delete(apiKeyKey(hash)); err != nil {
			return err
		}
		return txn.Delete(keyIDKey(keyID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, keyID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete api key %q: %w", keyID, err)
	}
	return nil
}

func resolveKeyHash(txn *badger.Txn, keyID string) (string, error) {
	item, err := txn.Get(keyIDKey(keyID))
	if err != nil {
		return "", err
	}
	var hash string
	err = item.Value(func(val []byte) error {
		hash = string(val)
		return nil
	})
	return hash, err
}
