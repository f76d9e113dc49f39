// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever answers natural-language queries over a tenant's memory.
//
// Retrieve optionally decomposes the query into sub-queries (planning), runs
// a hybrid search per sub-query (sequential or bounded-parallel), merges the
// result lists into one deterministic ranking, and optionally asks the model
// whether the evidence suffices, issuing follow-up searches when it does not
// (reflection).
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

var tracer = otel.Tracer("engram.retriever")

const (
	// subqueryLimit caps how many sub-queries one plan or reflection round
	// may produce.
	subqueryLimit = 4

	// maxParallelSearches bounds concurrent sub-query searches.
	maxParallelSearches = 4

	// reflectionEvidenceLimit caps how many restatements the reflection
	// prompt shows the model.
	reflectionEvidenceLimit = 10

	planCallTimeout = 30 * time.Second
)

// GenerateFunc invokes the model with a prompt and a response token budget.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Searcher is the slice of the vector store the retriever uses.
type Searcher interface {
	HybridSearch(ctx context.Context, h vectorstore.CollectionHandle, query string, keywords []string, filters *datatypes.SearchFilters, topK int, wSem, wLex float64) ([]datatypes.ScoredEntry, error)
}

// Options tunes one Retrieve call. Zero values fall back to defaults.
type Options struct {
	// TopK caps the final result count.
	TopK int

	// EnablePlanning decomposes the query into sub-queries first.
	EnablePlanning bool

	// EnableReflection lets the model request follow-up searches when the
	// merged evidence looks insufficient.
	EnableReflection bool

	// MaxReflectionRounds bounds the reflection loop.
	MaxReflectionRounds int

	// EnableParallel runs sub-query searches concurrently.
	EnableParallel bool

	// WSem and WLex weigh the semantic and lexical halves of each hybrid
	// search.
	WSem float64
	WLex float64

	// Filters narrows every sub-query search.
	Filters *datatypes.SearchFilters
}

// DefaultOptions returns the standard retrieval parameters.
func DefaultOptions() Options {
	return Options{
		TopK:                10,
		MaxReflectionRounds: 2,
		WSem:                0.6,
		WLex:                0.4,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.MaxReflectionRounds <= 0 {
		o.MaxReflectionRounds = def.MaxReflectionRounds
	}
	if o.WSem <= 0 && o.WLex <= 0 {
		o.WSem = def.WSem
		o.WLex = def.WLex
	}
	return o
}

// Retriever runs the plan-retrieve-merge-reflect pipeline. Safe for
// concurrent use.
type Retriever struct {
	searcher Searcher
	generate GenerateFunc
}

// NewRetriever wires a retriever. generate may be nil, which disables
// planning and reflection regardless of options.
func NewRetriever(searcher Searcher, generate GenerateFunc) (*Retriever, error) {
	if searcher == nil {
		return nil, fmt.Errorf("retriever: searcher is required")
	}
	return &Retriever{searcher: searcher, generate: generate}, nil
}

// Retrieve answers the query against the handle's collection.
//
// Sub-query failures contribute nothing; Retrieve errors only when every
// sub-query of the initial round failed.
func (r *Retriever) Retrieve(ctx context.Context, h vectorstore.CollectionHandle, query string, opts Options) ([]datatypes.ScoredEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retriever: query is empty")
	}
	opts = opts.withDefaults()

	ctx, span := tracer.Start(ctx, "retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", h.Tenant()),
		attribute.Int("top_k", opts.TopK),
	)

	subqueries := []string{query}
	if opts.EnablePlanning && r.generate != nil {
		subqueries = r.plan(ctx, query)
	}
	span.SetAttributes(attribute.Int("subqueries", len(subqueries)))

	m := newMerger()
	searched, failed := r.search(ctx, h, subqueries, opts, m)
	if searched == 0 && failed != nil {
		span.RecordError(failed)
		return nil, fmt.Errorf("all %d sub-queries failed: %w", len(subqueries), failed)
	}

	rounds := 0
	if opts.EnableReflection && r.generate != nil {
		for rounds < opts.MaxReflectionRounds {
			followups := r.reflect(ctx, query, m.results())
			if len(followups) == 0 {
				break
			}
			rounds++
			r.search(ctx, h, followups, opts, m)
		}
	}
	span.SetAttributes(attribute.Int("reflection_rounds", rounds))

	results := m.results()
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// search runs one round of sub-queries and feeds the merger. It returns how
// many sub-queries produced results and the first failure, if any.
func (r *Retriever) search(ctx context.Context, h vectorstore.CollectionHandle, subqueries []string, opts Options, m *merger) (int, error) {
	lists := make([][]datatypes.ScoredEntry, len(subqueries))
	errs := make([]error, len(subqueries))

	if opts.EnableParallel && len(subqueries) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelSearches)
		for i, sq := range subqueries {
			g.Go(func() error {
				// Failures are recorded, not returned: one bad sub-query
				// must not cancel its siblings.
				lists[i], errs[i] = r.searcher.HybridSearch(gctx, h, sq, nil, opts.Filters, opts.TopK, opts.WSem, opts.WLex)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, sq := range subqueries {
			lists[i], errs[i] = r.searcher.HybridSearch(ctx, h, sq, nil, opts.Filters, opts.TopK, opts.WSem, opts.WLex)
		}
	}

	searched := 0
	var firstErr error
	for i, err := range errs {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("Sub-query search failed",
				"tenant", h.Tenant(), "subquery", subqueries[i], "error", err)
			continue
		}
		searched++
		m.add(lists[i])
	}
	return searched, firstErr
}
