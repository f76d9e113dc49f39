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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// maxClearIterations bounds the delete-all loop; each iteration removes up to
// the server-side batch delete cap.
const maxClearIterations = 1000

// AddEntries batch-upserts entries into the handle's collection.
//
// # Description
//
// Entries are written in chunks of addBatchSize; a chunk either writes
// completely or fails as a unit, and a failed chunk stops the run without
// rolling back chunks already written. Entries without an EntryID get the
// content-derived one; entries without a DenseVector are embedded in batch
// before writing. The object UUID is derived from the entry id, so re-adding
// identical content overwrites in place instead of duplicating.
//
// # Outputs
//
//   - []string: ids of the entries written so far, in input order.
//   - error: nil when every chunk was written.
func (s *WeaviateStore) AddEntries(ctx context.Context, h CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.AddEntries")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("entry_count", len(entries)),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	for i := range entries {
		entries[i].EnsureDefaults()
		entries[i].EnsureID()
		entries[i].TenantID = h.tenant
		if err := entries[i].Validate(); err != nil {
			err = fmt.Errorf("%w: entry %d: %v", ErrInvalidInput, i, err)
			span.RecordError(err)
			return nil, err
		}
	}

	if err := s.embedMissing(ctx, entries); err != nil {
		span.RecordError(err)
		return nil, err
	}

	written := make([]string, 0, len(entries))
	for start := 0; start < len(entries); start += addBatchSize {
		end := start + addBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		if err := s.writeChunk(ctx, h, chunk); err != nil {
			span.RecordError(err)
			return written, fmt.Errorf("failed to add entries %d..%d for tenant %q: %w",
				start, end-1, h.tenant, err)
		}
		for i := range chunk {
			written = append(written, chunk[i].EntryID)
			s.entries.Set(entryCacheKey(h.class, chunk[i].EntryID), chunk[i])
		}
	}

	slog.Debug("Added memory entries", "tenant", h.tenant, "count", len(written))
	return written, nil
}

// embedMissing fills DenseVector for entries that arrived without one, using
// a single batch call.
func (s *WeaviateStore) embedMissing(ctx context.Context, entries []datatypes.MemoryEntry) error {
	var missing []int
	for i := range entries {
		if len(entries[i].DenseVector) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = entries[i].LosslessRestatement
	}

	vectors, err := s.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %d entries: %w", len(missing), err)
	}
	if len(vectors) != len(missing) {
		return fmt.Errorf("embedder returned %d vectors for %d entries", len(vectors), len(missing))
	}
	for j, i := range missing {
		entries[i].DenseVector = vectors[j]
	}
	return nil
}

// writeChunk upserts one chunk through the batcher and verifies every item
// landed. Retries are safe: object UUIDs are deterministic, so a replay
// overwrites rather than duplicates.
func (s *WeaviateStore) writeChunk(ctx context.Context, h CollectionHandle, chunk []datatypes.MemoryEntry) error {
	now := time.Now()
	objects := make([]*models.Object, len(chunk))
	for i := range chunk {
		objects[i] = s.entryObject(h, &chunk[i], now)
	}

	return s.do(ctx, "AddEntries", func() error {
		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch upsert failed: %w", err)
		}

		failed := 0
		firstMsg := ""
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				continue
			}
			failed++
			if firstMsg == "" && item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				firstMsg = item.Result.Errors.Error[0].Message
			}
		}
		if failed > 0 {
			if firstMsg == "" {
				firstMsg = "no error detail provided"
			}
			return fmt.Errorf("batch upsert rejected %d of %d entries: %s", failed, len(chunk), firstMsg)
		}
		return nil
	})
}

// entryObject maps an entry onto its Weaviate object. The object UUID is the
// first half of SHA-256(entry_id), making writes idempotent per entry id.
func (s *WeaviateStore) entryObject(h CollectionHandle, e *datatypes.MemoryEntry, now time.Time) *models.Object {
	hash := sha256.Sum256([]byte(e.EntryID))
	objectUUID, _ := uuid.FromBytes(hash[:16])

	var timestampUnix int64
	if ref, ok := e.ReferenceTime(); ok {
		timestampUnix = ref.UnixMilli()
	}

	createdAt := now.UnixMilli()
	var ttlExpiresAt int64
	if e.MemoryType == datatypes.MemoryTypeWorking && s.config.WorkingTTL > 0 {
		ttlExpiresAt = now.Add(s.config.WorkingTTL).UnixMilli()
	}

	return &models.Object{
		Class:  h.class,
		ID:     strfmt.UUID(objectUUID.String()),
		Vector: e.DenseVector,
		Properties: map[string]interface{}{
			datatypes.PropEntryID:       e.EntryID,
			datatypes.PropRestatement:   e.LosslessRestatement,
			datatypes.PropKeywords:      emptyIfNil(e.Keywords),
			datatypes.PropTimestamp:     e.Timestamp,
			datatypes.PropTimestampUnix: timestampUnix,
			datatypes.PropLocation:      e.Location,
			datatypes.PropTopic:         e.Topic,
			datatypes.PropPersons:       emptyIfNil(e.Persons),
			datatypes.PropEntities:      emptyIfNil(e.Entities),
			datatypes.PropMemoryType:    e.MemoryType,
			datatypes.PropTenantID:      e.TenantID,
			datatypes.PropSource:        e.Source,
			datatypes.PropCreatedAt:     createdAt,
			datatypes.PropTTLExpiresAt:  ttlExpiresAt,
		},
	}
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// GetEntry loads one entry by id, from the local cache when possible.
// Cache hits do not carry the dense vector; store round trips do.
func (s *WeaviateStore) GetEntry(ctx context.Context, h CollectionHandle, entryID string) (*datatypes.MemoryEntry, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.GetEntry")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", h.tenant))

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if entryID == "" {
		err := fmt.Errorf("%w: empty entry id", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}

	if cached, ok := s.entries.Get(entryCacheKey(h.class, entryID)); ok {
		return &cached, nil
	}

	where := filters.Where().
		WithPath([]string{datatypes.PropEntryID}).
		WithOperator(filters.Equal).
		WithValueString(entryID)

	var entry *datatypes.MemoryEntry
	err := s.do(ctx, "GetEntry", func() error {
		result, err := s.client.GraphQL().Get().
			WithClassName(h.class).
			WithFields(entryFields(graphql.Field{Name: "vector"})...).
			WithWhere(where).
			WithLimit(1).
			Do(ctx)
		if err != nil {
			return err
		}
		if err := datatypes.GraphQLResponseError(result); err != nil {
			return err
		}

		parsed, err := datatypes.ParseGraphQLResponse[datatypes.MemoryQueryResponse](result)
		if err != nil {
			return err
		}
		results := parsed.Results(h.class)
		if len(results) == 0 {
			entry = nil
			return nil
		}
		e := results[0].ToEntry()
		entry = &e
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get entry %q for tenant %q: %w", entryID, h.tenant, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	s.entries.Set(entryCacheKey(h.class, entryID), *entry)
	return entry, nil
}

// UpdateEntry replaces a stored entry wholesale. The entry must carry the id
// of the entry being updated; a missing dense vector is re-derived from the
// restatement, so updating the text re-embeds it.
func (s *WeaviateStore) UpdateEntry(ctx context.Context, h CollectionHandle, entry datatypes.MemoryEntry) error {
	ctx, span := tracer.Start(ctx, "vectorstore.UpdateEntry")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", h.tenant))

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return err
	}
	if entry.EntryID == "" {
		err := fmt.Errorf("%w: update requires entry_id", ErrInvalidInput)
		span.RecordError(err)
		return err
	}

	entry.EnsureDefaults()
	entry.TenantID = h.tenant
	if err := entry.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidInput, err)
		span.RecordError(err)
		return err
	}

	if len(entry.DenseVector) == 0 {
		vector, err := s.embedder.Embed(ctx, entry.LosslessRestatement)
		if err != nil {
			err = fmt.Errorf("failed to embed updated entry: %w", err)
			span.RecordError(err)
			return err
		}
		entry.DenseVector = vector
	}

	if err := s.writeChunk(ctx, h, []datatypes.MemoryEntry{entry}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update entry %q for tenant %q: %w", entry.EntryID, h.tenant, err)
	}

	s.entries.Set(entryCacheKey(h.class, entry.EntryID), entry)
	return nil
}

// DeleteEntries removes entries by id and reports how many objects matched.
// Unknown ids are not an error; they simply do not count.
func (s *WeaviateStore) DeleteEntries(ctx context.Context, h CollectionHandle, entryIDs []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteEntries")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("id_count", len(entryIDs)),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entryIDs) == 0 {
		return 0, nil
	}

	where := filters.Where().
		WithPath([]string{datatypes.PropEntryID}).
		WithOperator(filters.ContainsAny).
		WithValueString(entryIDs...)

	matches, err := s.batchDelete(ctx, "DeleteEntries", h, where)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete entries for tenant %q: %w", h.tenant, err)
	}

	for _, id := range entryIDs {
		s.entries.Delete(entryCacheKey(h.class, id))
	}
	slog.Debug("Deleted memory entries", "tenant", h.tenant, "requested", len(entryIDs), "matched", matches)
	return matches, nil
}

// Clear removes every entry in the handle's collection but keeps the
// collection itself. The server caps objects per delete call, so this loops
// until nothing matches.
func (s *WeaviateStore) Clear(ctx context.Context, h CollectionHandle) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Clear")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", h.tenant))

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return err
	}

	// created_at is stamped on every write, so >= 0 matches all entries.
	where := filters.Where().
		WithPath([]string{datatypes.PropCreatedAt}).
		WithOperator(filters.GreaterThanEqual).
		WithValueNumber(0)

	var total int64
	for i := 0; i < maxClearIterations; i++ {
		matches, err := s.batchDelete(ctx, "Clear", h, where)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to clear collection for tenant %q: %w", h.tenant, err)
		}
		total += matches
		if matches == 0 {
			s.entries.PurgeClass(h.class)
			slog.Info("Cleared vector store collection", "tenant", h.tenant, "deleted", total)
			return nil
		}
	}

	err := fmt.Errorf("clear did not converge after %d passes for tenant %q", maxClearIterations, h.tenant)
	span.RecordError(err)
	return err
}

// batchDelete runs one where-scoped batch delete and returns the match count.
func (s *WeaviateStore) batchDelete(ctx context.Context, op string, h CollectionHandle, where *filters.WhereBuilder) (int64, error) {
	var matches int64
	err := s.do(ctx, op, func() error {
		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(h.class).
			WithOutput("minimal").
			WithWhere(where).
			Do(ctx)
		if err != nil {
			return err
		}
		if resp != nil && resp.Results != nil {
			matches = resp.Results.Matches
		}
		return nil
	})
	return matches, err
}
