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
	"sort"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

const (
	// Keyword search blends the BM25 rank with a light semantic pass so
	// exact-term hits stay on top but near-synonym entries are not buried.
	keywordLexicalWeight  = 0.7
	keywordSemanticWeight = 0.3

	// Hybrid search falls back to these when the caller passes no weights.
	defaultHybridSemanticWeight = 0.6
	defaultHybridLexicalWeight  = 0.4

	// rrfK dampens the head of each list in reciprocal-rank fusion. 60 is
	// the conventional constant and keeps single-list outliers from
	// dominating the fused order.
	rrfK = 60

	// Re-ranking needs more candidates than the caller asked for.
	rerankFetchMultiplier = 3
	rerankFetchFloor      = 30

	// Hybrid fusion legs over-fetch less aggressively: both lists already
	// cover different views of the data.
	hybridFetchMultiplier = 2
	hybridFetchFloor      = 20

	// defaultStructuredLimit caps unbounded structured queries.
	defaultStructuredLimit = 100
)

// entryFields lists every entry property plus the _additional block. Extra
// fields (certainty, score, vector) are appended inside _additional.
func entryFields(additional ...graphql.Field) []graphql.Field {
	add := append([]graphql.Field{{Name: "id"}}, additional...)
	return []graphql.Field{
		{Name: datatypes.PropEntryID},
		{Name: datatypes.PropRestatement},
		{Name: datatypes.PropKeywords},
		{Name: datatypes.PropTimestamp},
		{Name: datatypes.PropTimestampUnix},
		{Name: datatypes.PropLocation},
		{Name: datatypes.PropTopic},
		{Name: datatypes.PropPersons},
		{Name: datatypes.PropEntities},
		{Name: datatypes.PropMemoryType},
		{Name: datatypes.PropTenantID},
		{Name: datatypes.PropSource},
		{Name: datatypes.PropCreatedAt},
		{Name: "_additional", Fields: add},
	}
}

// compileFilters turns the symbolic filter set into a Weaviate where tree.
// Returns nil for an empty filter set. Slice facets use set membership;
// scalar facets use equality; the timestamp bounds are inclusive range
// predicates over the entry's stated event time.
func compileFilters(f *datatypes.SearchFilters) (*filters.WhereBuilder, error) {
	if f.IsZero() {
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var operands []*filters.WhereBuilder

	if len(f.Persons) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropPersons}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.Persons...))
	}
	if len(f.Entities) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropEntities}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.Entities...))
	}
	if f.Location != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropLocation}).
			WithOperator(filters.Equal).
			WithValueString(f.Location))
	}
	if f.Topic != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropTopic}).
			WithOperator(filters.Equal).
			WithValueString(f.Topic))
	}
	if f.MemoryType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropMemoryType}).
			WithOperator(filters.Equal).
			WithValueString(f.MemoryType))
	}
	if f.Source != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropSource}).
			WithOperator(filters.Equal).
			WithValueString(f.Source))
	}
	if f.After != "" {
		t, err := datatypes.ParseEntryTimestamp(f.After)
		if err != nil {
			return nil, fmt.Errorf("%w: after: %v", ErrInvalidInput, err)
		}
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropTimestampUnix}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(float64(t.UnixMilli())))
	}
	if f.Before != "" {
		t, err := datatypes.ParseEntryTimestamp(f.Before)
		if err != nil {
			return nil, fmt.Errorf("%w: before: %v", ErrInvalidInput, err)
		}
		operands = append(operands, filters.Where().
			WithPath([]string{datatypes.PropTimestampUnix}).
			WithOperator(filters.LessThanEqual).
			WithValueNumber(float64(t.UnixMilli())))
	}

	if len(operands) == 1 {
		return operands[0], nil
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands), nil
}

// fetchEntries runs one Get query under the retry policy and parses the
// per-tenant result list out of the response.
func (s *WeaviateStore) fetchEntries(ctx context.Context, op string, h CollectionHandle, run func() (*models.GraphQLResponse, error)) ([]datatypes.MemoryEntryResult, error) {
	var results []datatypes.MemoryEntryResult
	err := s.do(ctx, op, func() error {
		resp, err := run()
		if err != nil {
			return err
		}
		if err := datatypes.GraphQLResponseError(resp); err != nil {
			return err
		}
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.MemoryQueryResponse](resp)
		if err != nil {
			return err
		}
		results = parsed.Results(h.class)
		return nil
	})
	return results, err
}

// SemanticSearch returns the topK entries nearest to the query by cosine
// similarity, optionally narrowed by symbolic filters. Scores are Weaviate
// certainties in [0, 1].
func (s *WeaviateStore) SemanticSearch(ctx context.Context, h CollectionHandle, query string, topK int, f *datatypes.SearchFilters) ([]datatypes.ScoredEntry, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SemanticSearch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("top_k", topK),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		err := fmt.Errorf("%w: empty query", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	where, err := compileFilters(f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		err = fmt.Errorf("failed to embed query: %w", err)
		span.RecordError(err)
		return nil, err
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	results, err := s.fetchEntries(ctx, "SemanticSearch", h, func() (*models.GraphQLResponse, error) {
		builder := s.client.GraphQL().Get().
			WithClassName(h.class).
			WithFields(entryFields(graphql.Field{Name: "certainty"})...).
			WithNearVector(nearVector).
			WithLimit(topK)
		if where != nil {
			builder = builder.WithWhere(where)
		}
		return builder.Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("semantic search failed for tenant %q: %w", h.tenant, err)
	}

	scored := make([]datatypes.ScoredEntry, 0, len(results))
	for i := range results {
		entry := results[i].ToEntry()
		s.entries.Set(entryCacheKey(h.class, entry.EntryID), entry)
		scored = append(scored, datatypes.ScoredEntry{Entry: entry, Score: results[i].Similarity()})
	}
	span.SetAttributes(attribute.Int("result_count", len(scored)))
	return scored, nil
}

// KeywordSearch ranks entries by BM25 over the restatement and keyword
// properties, then blends in a light semantic pass (0.7 lexical, 0.3
// semantic) so exact and phrase matches outrank bare semantic neighbors
// without discarding them.
func (s *WeaviateStore) KeywordSearch(ctx context.Context, h CollectionHandle, keywords []string, topK int, f *datatypes.SearchFilters) ([]datatypes.ScoredEntry, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.KeywordSearch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("top_k", topK),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}

	query := strings.TrimSpace(strings.Join(keywords, " "))
	if query == "" {
		err := fmt.Errorf("%w: keyword search requires at least one keyword", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	where, err := compileFilters(f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		err = fmt.Errorf("failed to embed keywords: %w", err)
		span.RecordError(err)
		return nil, err
	}

	fetchLimit := topK * rerankFetchMultiplier
	if fetchLimit < rerankFetchFloor {
		fetchLimit = rerankFetchFloor
	}

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties(datatypes.PropRestatement, datatypes.PropKeywords)

	results, err := s.fetchEntries(ctx, "KeywordSearch", h, func() (*models.GraphQLResponse, error) {
		builder := s.client.GraphQL().Get().
			WithClassName(h.class).
			WithFields(entryFields(graphql.Field{Name: "score"}, graphql.Field{Name: "vector"})...).
			WithBM25(bm25).
			WithLimit(fetchLimit)
		if where != nil {
			builder = builder.WithWhere(where)
		}
		return builder.Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("keyword search failed for tenant %q: %w", h.tenant, err)
	}

	scored := rerankLexical(results, queryVector)
	for i := range scored {
		s.entries.Set(entryCacheKey(h.class, scored[i].Entry.EntryID), scored[i].Entry)
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	span.SetAttributes(attribute.Int("result_count", len(scored)))
	return scored, nil
}

// rerankLexical combines normalized BM25 scores with query-vector cosine
// similarity. BM25 scores are unbounded, so they are normalized against the
// best score in this result set before weighting.
func rerankLexical(results []datatypes.MemoryEntryResult, queryVector []float32) []datatypes.ScoredEntry {
	maxLex := 0.0
	for i := range results {
		if score := results[i].LexicalScore(); score > maxLex {
			maxLex = score
		}
	}

	scored := make([]datatypes.ScoredEntry, 0, len(results))
	for i := range results {
		lexical := 0.0
		if maxLex > 0 {
			lexical = results[i].LexicalScore() / maxLex
		}

		semantic := 0.0
		if vec := results[i].Additional.Vector; len(vec) > 0 && len(vec) == len(queryVector) {
			// Both vectors are unit norm, so the dot product is the
			// cosine; map [-1, 1] onto [0, 1] to stay comparable with
			// certainty scores.
			semantic = (1 + dot(queryVector, vec)) / 2
		}

		entry := results[i].ToEntry()
		entry.DenseVector = nil // rank-only payload, do not hand it back
		scored = append(scored, datatypes.ScoredEntry{
			Entry: entry,
			Score: keywordLexicalWeight*lexical + keywordSemanticWeight*semantic,
		})
	}

	sortScoredDesc(scored)
	return scored
}

// StructuredSearch returns entries matching the symbolic filters with no
// ranking signal, ordered by write time so results are stable. At least one
// filter must be set; listing a whole collection goes through Count/Clear
// style admin paths instead.
func (s *WeaviateStore) StructuredSearch(ctx context.Context, h CollectionHandle, f *datatypes.SearchFilters, topK int) ([]datatypes.MemoryEntry, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.StructuredSearch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("top_k", topK),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if f.IsZero() {
		err := fmt.Errorf("%w: structured search requires at least one filter", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		topK = defaultStructuredLimit
	}

	where, err := compileFilters(f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sortBy := graphql.Sort{
		Path:  []string{datatypes.PropCreatedAt},
		Order: graphql.Asc,
	}

	results, err := s.fetchEntries(ctx, "StructuredSearch", h, func() (*models.GraphQLResponse, error) {
		return s.client.GraphQL().Get().
			WithClassName(h.class).
			WithFields(entryFields()...).
			WithWhere(where).
			WithSort(sortBy).
			WithLimit(topK).
			Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("structured search failed for tenant %q: %w", h.tenant, err)
	}

	entries := make([]datatypes.MemoryEntry, 0, len(results))
	for i := range results {
		entry := results[i].ToEntry()
		s.entries.Set(entryCacheKey(h.class, entry.EntryID), entry)
		entries = append(entries, entry)
	}
	span.SetAttributes(attribute.Int("result_count", len(entries)))
	return entries, nil
}

// HybridSearch fuses a semantic and a lexical result list with weighted
// reciprocal-rank fusion, deduplicating by entry id.
//
// # Description
//
// Each list contributes weight/(rrfK + rank) per entry; entries present in
// both lists accumulate both contributions, which is what pushes results
// agreeing across views to the top. Zero weights skip the corresponding
// leg entirely. When both weights are zero the defaults (0.6 semantic,
// 0.4 lexical) apply. When the keyword list is empty, the lexical leg
// reuses the query text.
func (s *WeaviateStore) HybridSearch(ctx context.Context, h CollectionHandle, query string, keywords []string, f *datatypes.SearchFilters, topK int, wSem, wLex float64) ([]datatypes.ScoredEntry, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.HybridSearch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.tenant),
		attribute.Int("top_k", topK),
		attribute.Float64("w_sem", wSem),
		attribute.Float64("w_lex", wLex),
	)

	if err := requireHandle(h); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if wSem < 0 || wLex < 0 {
		err := fmt.Errorf("%w: fusion weights must be >= 0", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}
	if wSem == 0 && wLex == 0 {
		wSem, wLex = defaultHybridSemanticWeight, defaultHybridLexicalWeight
	}

	query = strings.TrimSpace(query)
	lexicalQuery := strings.TrimSpace(strings.Join(keywords, " "))
	if lexicalQuery == "" {
		lexicalQuery = query
	}
	if query == "" && lexicalQuery == "" {
		err := fmt.Errorf("%w: hybrid search requires a query or keywords", ErrInvalidInput)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	where, err := compileFilters(f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	fetchLimit := topK * hybridFetchMultiplier
	if fetchLimit < hybridFetchFloor {
		fetchLimit = hybridFetchFloor
	}

	var semResults, lexResults []datatypes.MemoryEntryResult

	if wSem > 0 && query != "" {
		vector, err := s.embedder.Embed(ctx, query)
		if err != nil {
			err = fmt.Errorf("failed to embed query: %w", err)
			span.RecordError(err)
			return nil, err
		}
		nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
		semResults, err = s.fetchEntries(ctx, "HybridSearch.semantic", h, func() (*models.GraphQLResponse, error) {
			builder := s.client.GraphQL().Get().
				WithClassName(h.class).
				WithFields(entryFields(graphql.Field{Name: "certainty"})...).
				WithNearVector(nearVector).
				WithLimit(fetchLimit)
			if where != nil {
				builder = builder.WithWhere(where)
			}
			return builder.Do(ctx)
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("hybrid search (semantic leg) failed for tenant %q: %w", h.tenant, err)
		}
	}

	if wLex > 0 && lexicalQuery != "" {
		bm25 := s.client.GraphQL().Bm25ArgBuilder().
			WithQuery(lexicalQuery).
			WithProperties(datatypes.PropRestatement, datatypes.PropKeywords)
		lexResults, err = s.fetchEntries(ctx, "HybridSearch.lexical", h, func() (*models.GraphQLResponse, error) {
			builder := s.client.GraphQL().Get().
				WithClassName(h.class).
				WithFields(entryFields(graphql.Field{Name: "score"})...).
				WithBM25(bm25).
				WithLimit(fetchLimit)
			if where != nil {
				builder = builder.WithWhere(where)
			}
			return builder.Do(ctx)
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("hybrid search (lexical leg) failed for tenant %q: %w", h.tenant, err)
		}
	}

	scored := fuseRanked(semResults, lexResults, wSem, wLex)
	for i := range scored {
		s.entries.Set(entryCacheKey(h.class, scored[i].Entry.EntryID), scored[i].Entry)
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	span.SetAttributes(attribute.Int("result_count", len(scored)))
	return scored, nil
}

// fuseRanked merges two ranked lists with weighted reciprocal-rank fusion,
// keyed and deduplicated by entry id. The first materialization of an entry
// wins; later occurrences only add score.
func fuseRanked(semantic, lexical []datatypes.MemoryEntryResult, wSem, wLex float64) []datatypes.ScoredEntry {
	type fused struct {
		entry datatypes.MemoryEntry
		score float64
	}
	byID := make(map[string]*fused, len(semantic)+len(lexical))
	order := make([]string, 0, len(semantic)+len(lexical))

	accumulate := func(results []datatypes.MemoryEntryResult, weight float64) {
		for rank := range results {
			id := results[rank].EntryID
			if id == "" {
				continue
			}
			hit, ok := byID[id]
			if !ok {
				hit = &fused{entry: results[rank].ToEntry()}
				byID[id] = hit
				order = append(order, id)
			}
			hit.score += weight / float64(rrfK+rank+1)
		}
	}
	accumulate(semantic, wSem)
	accumulate(lexical, wLex)

	scored := make([]datatypes.ScoredEntry, 0, len(order))
	for _, id := range order {
		scored = append(scored, datatypes.ScoredEntry{Entry: byID[id].entry, Score: byID[id].score})
	}
	sortScoredDesc(scored)
	return scored
}

// sortScoredDesc orders by score descending, breaking ties by entry id so
// equal-scored results are deterministic across runs.
func sortScoredDesc(scored []datatypes.ScoredEntry) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.EntryID < scored[j].Entry.EntryID
	})
}

// dot computes the inner product, accumulating in float64 like the
// normalization path does.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
