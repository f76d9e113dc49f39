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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Memory Class Property Names
// =============================================================================

// Property names of the per-tenant memory class. The store and the TTL
// janitor reference these; keep them in sync with GetMemoryEntrySchema.
const (
	PropEntryID       = "entry_id"
	PropRestatement   = "lossless_restatement"
	PropKeywords      = "keywords"
	PropTimestamp     = "timestamp"
	PropTimestampUnix = "timestamp_unix"
	PropLocation      = "location"
	PropTopic         = "topic"
	PropPersons       = "persons"
	PropEntities      = "entities"
	PropMemoryType    = "memory_type"
	PropTenantID      = "tenant_id"
	PropSource        = "source"
	PropCreatedAt     = "created_at"
	PropTTLExpiresAt  = "ttl_expires_at"
)

// TenantClassPrefix namespaces memory collections inside Weaviate so admin
// tooling can tell them apart from anything else sharing the instance.
const TenantClassPrefix = "Memory_"

// =============================================================================
// Tenant Class Naming
// =============================================================================

// TenantClassName maps a tenant identifier to a Weaviate class name.
//
// # Description
//
// Weaviate class names must match ^[A-Z][_0-9A-Za-z]*$, while tenant
// identifiers are arbitrary strings chosen by callers. Identifier-safe
// tenants map 1:1 under the Memory_ prefix; anything else additionally gets
// a short content-hash suffix so two tenants that sanitize to the same text
// still land in different classes.
//
// # Examples
//
//	TenantClassName("agent_a")  // "Memory_agent_a"
//	TenantClassName("user 7!")  // "Memory_user_7_" + 8 hash chars
func TenantClassName(tenantID string) string {
	var b strings.Builder
	b.Grow(len(TenantClassPrefix) + len(tenantID))
	b.WriteString(TenantClassPrefix)

	mangled := false
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			mangled = true
			b.WriteByte('_')
		}
	}
	if mangled || tenantID == "" {
		sum := sha256.Sum256([]byte(tenantID))
		b.WriteByte('_')
		b.WriteString(hex.EncodeToString(sum[:4]))
	}
	return b.String()
}

// IsTenantClass reports whether a Weaviate class name belongs to the memory
// namespace. The TTL janitor uses this to skip unrelated classes.
func IsTenantClass(className string) bool {
	return strings.HasPrefix(className, TenantClassPrefix)
}

// =============================================================================
// Memory Entry Class
// =============================================================================

// GetMemoryEntrySchema builds the class definition for one tenant's memory
// collection.
//
// Vectors come from the embedding service, so the vectorizer is "none".
// Every symbolic facet is filterable; the restatement and keywords are
// word-tokenized for the lexical view, identifiers and facet values are
// field-tokenized for exact matching.
func GetMemoryEntrySchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: "Atomic memory entries for one tenant. Never shared across tenants.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			Bm25:                   nil,
			CleanupIntervalSeconds: 0,
			IndexNullState:         true,
			IndexPropertyLength:    false,
			IndexTimestamps:        true,
			Stopwords:              nil,
			UsingBlockMaxWAND:      false,
		},
		Properties: []*models.Property{
			{
				Name:            PropEntryID,
				DataType:        []string{"text"},
				Description:     "Content-derived identifier: first 32 hex chars of the entry digest.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         PropRestatement,
				DataType:     []string{"text"},
				Description:  "The self-contained restatement sentence.",
				Tokenization: "word",
			},
			{
				Name:            PropKeywords,
				DataType:        []string{"text[]"},
				Description:     "Search terms extracted by the memory builder.",
				IndexFilterable: indexFilterable,
				Tokenization:    "word",
			},
			{
				Name:            PropTimestamp,
				DataType:        []string{"text"},
				Description:     "ISO-8601 moment the entry refers to, as written by the builder.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropTimestampUnix,
				DataType:        []string{"number"},
				Description:     "Unix milliseconds form of timestamp, for range filters. 0 = unset.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            PropLocation,
				DataType:        []string{"text"},
				Description:     "Where the remembered fact took place.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropTopic,
				DataType:        []string{"text"},
				Description:     "Free-text topic facet.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropPersons,
				DataType:        []string{"text[]"},
				Description:     "Proper nouns naming people in the restatement.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropEntities,
				DataType:        []string{"text[]"},
				Description:     "Proper nouns naming non-person entities in the restatement.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropMemoryType,
				DataType:        []string{"text"},
				Description:     "One of episodic, semantic, procedural, working.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropTenantID,
				DataType:        []string{"text"},
				Description:     "Owning tenant. Redundant with the class, kept as an audit guard.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropSource,
				DataType:        []string{"text"},
				Description:     "Origin of the entry: dialogue, document path, or tool name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            PropCreatedAt,
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the entry was persisted.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            PropTTLExpiresAt,
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the entry expires. 0 = never expires.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// =============================================================================
// Schema Management
// =============================================================================

// EnsureTenantClass creates the memory class for a tenant if it does not
// already exist. Idempotent: creating an existing tenant is a no-op.
//
// Unlike startup schema checks, this runs on the tenant-switch path, so
// failures are returned to the caller (which rolls the switch back) rather
// than terminating the process.
func EnsureTenantClass(ctx context.Context, client *weaviate.Client, tenantID string) (string, error) {
	className := TenantClassName(tenantID)

	exists, err := client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to check class %s: %w", className, err)
	}
	if exists {
		return className, nil
	}

	slog.Info("Creating memory collection", "tenant", tenantID, "class", className)
	if err := client.Schema().ClassCreator().WithClass(GetMemoryEntrySchema(className)).Do(ctx); err != nil {
		// Another writer may have created it between the check and the
		// create; treat that as success.
		stillMissing, checkErr := classMissing(ctx, client, className)
		if checkErr == nil && !stillMissing {
			return className, nil
		}
		return "", fmt.Errorf("failed to create class %s: %w", className, err)
	}
	return className, nil
}

// DeleteTenantClass drops a tenant's memory collection and everything in it.
// Deleting a missing class is a no-op.
func DeleteTenantClass(ctx context.Context, client *weaviate.Client, tenantID string) error {
	className := TenantClassName(tenantID)

	missing, err := classMissing(ctx, client, className)
	if err != nil {
		return fmt.Errorf("failed to check class %s: %w", className, err)
	}
	if missing {
		return nil
	}

	slog.Info("Deleting memory collection", "tenant", tenantID, "class", className)
	if err := client.Schema().ClassDeleter().WithClassName(className).Do(ctx); err != nil {
		return fmt.Errorf("failed to delete class %s: %w", className, err)
	}
	return nil
}

func classMissing(ctx context.Context, client *weaviate.Client, className string) (bool, error) {
	exists, err := client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
