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
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// EnsureCollection creates the tenant's collection when missing. Idempotent;
// safe to call before the tenant is ever switched to.
func (s *WeaviateStore) EnsureCollection(ctx context.Context, tenantID string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := validateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.ensureCollection(ctx, tenantID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *WeaviateStore) ensureCollection(ctx context.Context, tenantID string) error {
	return s.do(ctx, "EnsureCollection", func() error {
		_, err := datatypes.EnsureTenantClass(ctx, s.client, tenantID)
		return err
	})
}

// DropCollection deletes the tenant's collection and everything in it.
// Dropping a missing collection is a no-op. Dropping the frozen tenant is
// rejected; dropping the current tenant clears the selector, so the next
// caller must Use a tenant again (which recreates the collection).
func (s *WeaviateStore) DropCollection(ctx context.Context, tenantID string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.DropCollection")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := validateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	if s.freezes > 0 && tenantID == s.frozenTenant {
		s.mu.Unlock()
		err := fmt.Errorf("%w: cannot drop collection of frozen tenant %q", ErrTenantFrozen, tenantID)
		span.RecordError(err)
		return err
	}
	s.mu.Unlock()

	err := s.do(ctx, "DropCollection", func() error {
		return datatypes.DeleteTenantClass(ctx, s.client, tenantID)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop collection for tenant %q: %w", tenantID, err)
	}

	s.entries.PurgeClass(datatypes.TenantClassName(tenantID))

	s.mu.Lock()
	if s.tenant == tenantID {
		s.tenant = ""
	}
	s.mu.Unlock()

	slog.Info("Dropped vector store collection", "tenant", tenantID)
	return nil
}

// Count returns the number of entries in the handle's collection.
func (s *WeaviateStore) Count(ctx context.Context, h CollectionHandle) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Count")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", h.tenant))

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return 0, err
	}

	var count int64
	err := s.do(ctx, "Count", func() error {
		result, err := s.client.GraphQL().Aggregate().
			WithClassName(h.class).
			WithFields(graphql.Field{
				Name:   "meta",
				Fields: []graphql.Field{{Name: "count"}},
			}).
			Do(ctx)
		if err != nil {
			return err
		}
		if err := datatypes.GraphQLResponseError(result); err != nil {
			return err
		}

		parsed, err := datatypes.ParseGraphQLResponse[datatypes.AggregateCountResponse](result)
		if err != nil {
			return err
		}
		count = parsed.CountForClass(h.class)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count entries for tenant %q: %w", h.tenant, err)
	}
	return count, nil
}

// PurgeExpired deletes entries whose TTL stamp has lapsed, across every
// memory collection on the instance. Only working-memory entries carry a
// nonzero ttl_expires_at, so other memory types are never touched. Returns
// the total matches across all collections.
func (s *WeaviateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.PurgeExpired")
	defer span.End()

	var classes []string
	err := s.do(ctx, "PurgeExpired.schema", func() error {
		schema, err := s.client.Schema().Getter().Do(ctx)
		if err != nil {
			return err
		}
		classes = classes[:0]
		for _, class := range schema.Classes {
			if datatypes.IsTenantClass(class.Class) {
				classes = append(classes, class.Class)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list memory collections: %w", err)
	}

	nowMs := now.UnixMilli()
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{datatypes.PropTTLExpiresAt}).
			WithOperator(filters.GreaterThan).
			WithValueNumber(0),
		filters.Where().
			WithPath([]string{datatypes.PropTTLExpiresAt}).
			WithOperator(filters.LessThan).
			WithValueNumber(float64(nowMs)),
	})

	var total int64
	for _, class := range classes {
		var matches int64
		err := s.do(ctx, "PurgeExpired.delete", func() error {
			resp, err := s.client.Batch().ObjectsBatchDeleter().
				WithClassName(class).
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
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("failed to purge expired entries in %s: %w", class, err)
		}
		if matches > 0 {
			s.entries.PurgeClass(class)
			slog.Info("Purged expired working memory", "class", class, "deleted", matches)
		}
		total += matches
	}
	span.SetAttributes(attribute.Int64("purged", total))
	return total, nil
}
