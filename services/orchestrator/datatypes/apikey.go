// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// API Key Constants
// =============================================================================

const (
	// APIKeyPrefix marks bearer tokens issued by this service.
	APIKeyPrefix = "sk-"

	// APIKeyEntropyBytes is the random payload behind each key.
	APIKeyEntropyBytes = 32

	// KeyStatusActive allows a key to authenticate.
	KeyStatusActive = "active"

	// KeyStatusDisabled rejects a key without deleting its record.
	KeyStatusDisabled = "disabled"
)

// Default per-key limits applied when the creator does not override them.
const (
	DefaultRPMLimit         = 60
	DefaultTPMLimit         = 100000
	DefaultConcurrencyLimit = 5
)

// =============================================================================
// Rate Limits
// =============================================================================

// RateLimits are the per-key admission bounds enforced by the gateway.
// Zero means "use the default", not "unlimited".
type RateLimits struct {
	RPM         int `json:"rpm"`
	TPM         int `json:"tpm"`
	Concurrency int `json:"concurrency"`
}

// EnsureDefaults replaces zero limits with the service defaults.
func (l *RateLimits) EnsureDefaults() {
	if l.RPM <= 0 {
		l.RPM = DefaultRPMLimit
	}
	if l.TPM <= 0 {
		l.TPM = DefaultTPMLimit
	}
	if l.Concurrency <= 0 {
		l.Concurrency = DefaultConcurrencyLimit
	}
}

// =============================================================================
// API Key Record
// =============================================================================

// APIKey is the persisted record of one bearer token.
//
// The plaintext token exists only in the creation response; the record keeps
// the SHA-256 digest for validation and a masked preview for listings.
type APIKey struct {
	KeyID       string     `json:"key_id"`
	UserID      string     `json:"user_id"`
	HashedKey   string     `json:"hashed_key"`
	KeyPreview  string     `json:"key_preview"`
	Status      string     `json:"status"`
	Permissions []string   `json:"permissions,omitempty"`
	Limits      RateLimits `json:"limits"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// IsActive reports whether the key may authenticate requests.
func (k *APIKey) IsActive() bool {
	return k.Status == KeyStatusActive
}

// HasPermission reports whether the key grants the named permission. An
// empty permission list grants everything, and "*" is an explicit wildcard.
func (k *APIKey) HasPermission(perm string) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	for _, p := range k.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// =============================================================================
// Key Generation and Hashing
// =============================================================================

// GenerateAPIKey mints a new bearer token: "sk-" followed by 32 bytes of
// base64url-encoded entropy. The caller is responsible for showing it to the
// user exactly once and persisting only the hash.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to gather key entropy: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the SHA-256 hex digest of a plaintext token. This is
// the only representation of the secret the store ever sees.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// MaskAPIKey produces the listing preview: the first 8 characters, an
// ellipsis, and the last 4. Tokens too short to mask meaningfully are
// fully redacted.
func MaskAPIKey(plaintext string) string {
	if len(plaintext) < 12 {
		return "****"
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}

// LooksLikeAPIKey reports whether a bearer credential has the issued shape.
// Used for early rejection before any store lookup.
func LooksLikeAPIKey(token string) bool {
	if !strings.HasPrefix(token, APIKeyPrefix) {
		return false
	}
	payload := strings.TrimPrefix(token, APIKeyPrefix)
	if payload == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(payload)
	return err == nil
}

// =============================================================================
// API Key Lifecycle Shapes
// =============================================================================

// CreateAPIKeyRequest is the body of POST /v1/keys.
type CreateAPIKeyRequest struct {
	UserID      string     `json:"user_id" validate:"required,max=128"`
	Permissions []string   `json:"permissions,omitempty"`
	Limits      RateLimits `json:"limits,omitempty"`
}

// Validate checks the request fields.
func (r *CreateAPIKeyRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("create key validation failed: %w", err)
	}
	return nil
}

// CreateAPIKeyResponse returns the plaintext exactly once.
type CreateAPIKeyResponse struct {
	KeyID      string     `json:"key_id"`
	APIKey     string     `json:"api_key"`
	KeyPreview string     `json:"key_preview"`
	Limits     RateLimits `json:"limits"`
	CreatedAt  time.Time  `json:"created_at"`
}
