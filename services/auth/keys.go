// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth issues and validates API keys.
//
// A key's plaintext exists exactly once, in the CreateKey response; the
// store keeps only its SHA-256 digest and a masked preview. Validation
// hashes the presented token, looks the digest up, and requires active
// status. KeyService implements extensions.AuthProvider, so the HTTP
// middleware and the WebSocket gateway authenticate through the same seam.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/store"
)

var tracer = otel.Tracer("engram.auth")

// Validation failures carry the exact message returned to clients.
var (
	// ErrKeyRequired rejects requests that present no bearer token.
	ErrKeyRequired = errors.New("API key required")

	// ErrKeyInvalid rejects tokens that resolve to no stored key.
	ErrKeyInvalid = errors.New("Invalid API key")

	// ErrKeyInactive rejects keys that exist but are disabled.
	ErrKeyInactive = errors.New("API key is not active")
)

// metadataLimitsKey carries the key's rate limits through AuthInfo so the
// admission middleware never re-reads the store.
const metadataLimitsKey = "rate_limits"

// KeyStore is the slice of the relational store the key service uses.
type KeyStore interface {
	PutKey(ctx context.Context, key *datatypes.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*datatypes.APIKey, error)
	MarkKeyUsed(ctx context.Context, hash string, when time.Time) error
}

// KeyService creates and validates API keys. Safe for concurrent use.
type KeyService struct {
	store KeyStore
}

var _ extensions.AuthProvider = (*KeyService)(nil)

// NewKeyService wires a key service over the given store.
func NewKeyService(store KeyStore) (*KeyService, error) {
	if store == nil {
		return nil, fmt.Errorf("auth: key store is required")
	}
	return &KeyService{store: store}, nil
}

// CreateKey mints a bearer token for userID, persists its record, and
// returns the plaintext. The plaintext is never recoverable afterward.
// Zero limits fall back to the service defaults.
func (s *KeyService) CreateKey(ctx context.Context, userID string, permissions []string, limits datatypes.RateLimits) (string, *datatypes.APIKey, error) {
	ctx, span := tracer.Start(ctx, "auth.CreateKey")
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, fmt.Errorf("auth: user id is required")
	}

	plaintext, err := datatypes.GenerateAPIKey()
	if err != nil {
		span.RecordError(err)
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	limits.EnsureDefaults()

	key := &datatypes.APIKey{
		KeyID:       uuid.NewString(),
		UserID:      userID,
		HashedKey:   datatypes.HashAPIKey(plaintext),
		KeyPreview:  datatypes.MaskAPIKey(plaintext),
		Status:      datatypes.KeyStatusActive,
		Permissions: permissions,
		Limits:      limits,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.PutKey(ctx, key); err != nil {
		span.RecordError(err)
		return "", nil, fmt.Errorf("failed to persist api key: %w", err)
	}

	slog.Info("API key created",
		slog.String("key_id", key.KeyID),
		slog.String("user_id", userID),
		slog.String("preview", key.KeyPreview))
	return plaintext, key, nil
}

// Validate implements extensions.AuthProvider: it hashes the presented
// token, loads the key record, and requires active status. Updating
// last-used is best-effort and never fails the request.
func (s *KeyService) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	ctx, span := tracer.Start(ctx, "auth.Validate")
	defer span.End()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrKeyRequired
	}

	digest := datatypes.HashAPIKey(token)
	record, err := s.store.GetKeyByHash(ctx, digest)
	if errors.Is(err, store.ErrAPIKeyNotFound) {
		return nil, ErrKeyInvalid
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(digest), []byte(record.HashedKey)) != 1 {
		return nil, ErrKeyInvalid
	}
	if !record.IsActive() {
		return nil, ErrKeyInactive
	}

	if err := s.store.MarkKeyUsed(ctx, digest, time.Now().UTC()); err != nil {
		slog.Warn("Failed to mark api key used",
			slog.String("key_id", record.KeyID), slog.Any("error", err))
	}

	return &extensions.AuthInfo{
		UserID:      record.UserID,
		KeyID:       record.KeyID,
		Permissions: record.Permissions,
		Metadata: extensions.NewMetadata().
			Set("key_preview", record.KeyPreview).
			Set(metadataLimitsKey, record.Limits),
	}, nil
}

// LimitsFrom extracts the rate limits Validate recorded on the identity.
// Identities without recorded limits get the service defaults.
func LimitsFrom(info *extensions.AuthInfo) datatypes.RateLimits {
	var limits datatypes.RateLimits
	if info != nil && info.Metadata != nil {
		if v, ok := info.Metadata.Get(metadataLimitsKey); ok {
			if l, ok := v.(datatypes.RateLimits); ok {
				limits = l
			}
		}
	}
	limits.EnsureDefaults()
	return limits
}
