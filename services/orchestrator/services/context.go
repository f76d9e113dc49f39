// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the business logic behind the orchestrator's HTTP
// handlers. Handlers decode and stream; the services here decide what
// context a chat turn sees, keeping retrieval policy testable without HTTP.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/rewriter"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

var tracer = otel.Tracer("engram.orchestrator.services")

// =============================================================================
// Interfaces
// =============================================================================

// Searcher is the slice of the vector store the retrieval pipeline needs:
// pin a tenant, run hybrid queries against it.
type Searcher interface {
	Use(ctx context.Context, tenantID string) (vectorstore.CollectionHandle, error)
	HybridSearch(ctx context.Context, h vectorstore.CollectionHandle, query string, keywords []string, f *datatypes.SearchFilters, topK int, wSem, wLex float64) ([]datatypes.ScoredEntry, error)
}

// Rewriter turns the raw user message into a retrieval-shaped query, with
// initial candidates and extracted concepts as context.
type Rewriter interface {
	Rewrite(ctx context.Context, query string, ragContext, keyConcepts, history []string, mode rewriter.Mode) string
}

// TurnCache is the in-process history cache consulted before the store.
type TurnCache interface {
	Get(userID, sessionID string) []datatypes.ChatMessage
	Set(userID, sessionID string, messages []datatypes.ChatMessage)
}

// MessageLoader fetches persisted session messages on a cache miss.
type MessageLoader interface {
	GetSessionMessages(ctx context.Context, userID, sessionID string, topK int) ([]datatypes.ChatMessage, error)
}

// =============================================================================
// Configuration
// =============================================================================

// RetrievalConfig tunes the two-stage context pipeline.
type RetrievalConfig struct {
	// ChatCollection and FileCollection prefix the per-user tenant names:
	// a user's conversational memory lives in "<ChatCollection>_<userID>",
	// ingested documents in "<FileCollection>_<userID>".
	ChatCollection string
	FileCollection string

	// InitialTopK candidates are pulled per collection in the first pass;
	// EnhancedTopK in the second, narrower pass.
	InitialTopK  int
	EnhancedTopK int

	// MaxKeyConcepts caps the terms extracted from the first-pass texts.
	MaxKeyConcepts int

	// HistoryExchanges is how many recent user/assistant exchange pairs
	// are always included; HistoryCap bounds the merged history.
	HistoryExchanges int
	HistoryCap       int

	// WSem and WLex weight the store's hybrid search legs.
	WSem float64
	WLex float64
}

// DefaultRetrievalConfig returns the tuning used in production.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		ChatCollection:   "chat_history",
		FileCollection:   "file_data",
		InitialTopK:      20,
		EnhancedTopK:     12,
		MaxKeyConcepts:   5,
		HistoryExchanges: 5,
		HistoryCap:       20,
		WSem:             0.75,
		WLex:             0.25,
	}
}

// RetrievalConfigFromEnv overlays CHAT_HISTORY_COLLECTION,
// FILE_DATA_COLLECTION, and MEMORY_WINDOW_SIZE on the defaults. Unset or
// unparseable values keep the defaults.
func RetrievalConfigFromEnv() RetrievalConfig {
	cfg := DefaultRetrievalConfig()
	if v := os.Getenv("CHAT_HISTORY_COLLECTION"); v != "" {
		cfg.ChatCollection = v
	}
	if v := os.Getenv("FILE_DATA_COLLECTION"); v != "" {
		cfg.FileCollection = v
	}
	if v := os.Getenv("MEMORY_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryExchanges = n
		}
	}
	return cfg
}

// normalize fills zero fields with defaults so a partially specified config
// cannot produce a degenerate pipeline.
func (c RetrievalConfig) normalize() RetrievalConfig {
	def := DefaultRetrievalConfig()
	if c.ChatCollection == "" {
		c.ChatCollection = def.ChatCollection
	}
	if c.FileCollection == "" {
		c.FileCollection = def.FileCollection
	}
	if c.InitialTopK <= 0 {
		c.InitialTopK = def.InitialTopK
	}
	if c.EnhancedTopK <= 0 {
		c.EnhancedTopK = def.EnhancedTopK
	}
	if c.MaxKeyConcepts <= 0 {
		c.MaxKeyConcepts = def.MaxKeyConcepts
	}
	if c.HistoryExchanges <= 0 {
		c.HistoryExchanges = def.HistoryExchanges
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = def.HistoryCap
	}
	if c.WSem <= 0 && c.WLex <= 0 {
		c.WSem, c.WLex = def.WSem, def.WLex
	}
	return c
}

// =============================================================================
// ChatRetrievalService
// =============================================================================

// TurnContext is everything the chat handler needs to prompt the model for
// one turn: ranked evidence, the client-facing source records, the merged
// history window, and the query analysis that produced them.
type TurnContext struct {
	Evidence       []datatypes.ScoredEntry
	Sources        []datatypes.SourceInfo
	History        []datatypes.ChatMessage
	RewrittenQuery string
	KeyConcepts    []string
}

// ChatRetrievalService assembles the context for a chat turn: two-stage
// retrieval over the user's memory collections, query rewriting, and
// history selection. It owns no transport concerns and holds no per-request
// state, so it is safe for concurrent use.
type ChatRetrievalService struct {
	searcher Searcher
	rewriter Rewriter
	turns    TurnCache
	loader   MessageLoader
	cfg      RetrievalConfig
}

// NewChatRetrievalService wires the pipeline. All dependencies are
// required.
func NewChatRetrievalService(searcher Searcher, rw Rewriter, turns TurnCache, loader MessageLoader, cfg RetrievalConfig) (*ChatRetrievalService, error) {
	if searcher == nil {
		return nil, fmt.Errorf("chat retrieval: searcher is required")
	}
	if rw == nil {
		return nil, fmt.Errorf("chat retrieval: rewriter is required")
	}
	if turns == nil {
		return nil, fmt.Errorf("chat retrieval: turn cache is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("chat retrieval: message loader is required")
	}
	return &ChatRetrievalService{
		searcher: searcher,
		rewriter: rw,
		turns:    turns,
		loader:   loader,
		cfg:      cfg.normalize(),
	}, nil
}

// ChatTenant returns the tenant holding the user's conversational memory.
func (s *ChatRetrievalService) ChatTenant(userID string) string {
	return s.cfg.ChatCollection + "_" + userID
}

// FileTenant returns the tenant holding the user's ingested documents.
func (s *ChatRetrievalService) FileTenant(userID string) string {
	return s.cfg.FileCollection + "_" + userID
}

// candidate carries one retrieval hit through rescoring. The first-pass
// Jaccard is kept because the final score blends it with the second-pass
// match.
type candidate struct {
	entry          datatypes.MemoryEntry
	source         string
	initialJaccard float64
	score          float64
}

// BuildTurnContext runs the full pipeline for one turn.
//
// Stage one pulls candidates from the user's chat collection (and file
// collection when useFileRAG) and scores them lexically against the raw
// message. Stage two extracts key concepts from the best candidates, asks
// the rewriter for a retrieval-shaped query, re-searches with the union of
// all three, and rescores the merged pool. Candidates that merely echo the
// rewritten query are dropped, the per-mode result budget is applied, and
// the history window is selected last so concept matches can resurface
// older exchanges.
//
// A missing or empty collection yields empty evidence, not an error: a new
// user's first chat has nothing to retrieve and must still work.
func (s *ChatRetrievalService) BuildTurnContext(ctx context.Context, userID, threadID, message, mode string, useFileRAG bool) (*TurnContext, error) {
	ctx, span := tracer.Start(ctx, "ChatRetrievalService.BuildTurnContext")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("thread.id", threadID),
		attribute.String("mode", mode),
		attribute.Bool("use_file_rag", useFileRAG),
	)

	// Stage one: initial candidates, lexically scored against the message.
	pool, err := s.initialCandidates(ctx, userID, message, useFileRAG)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Concepts come from the strongest initial texts; the rewriter sees
	// those texts as context so it rewrites toward what the store holds.
	topTexts := make([]string, 0, 3)
	for i := 0; i < len(pool) && i < 3; i++ {
		topTexts = append(topTexts, pool[i].entry.LosslessRestatement)
	}
	concepts := keyConcepts(topTexts, s.cfg.MaxKeyConcepts)
	rewritten := s.rewriter.Rewrite(ctx, message, topTexts, concepts, nil, rewriter.Mode(mode))

	// Stage two: search again with the union query, merge, rescore, trim.
	evidence, err := s.enhancedPass(ctx, userID, message, rewritten, concepts, mode, pool)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	history := s.historyWindow(ctx, userID, threadID, concepts)

	sources := make([]datatypes.SourceInfo, 0, len(evidence))
	for _, se := range evidence {
		norm := normalizeText(se.Entry.LosslessRestatement)
		sources = append(sources, datatypes.SourceInfoFromEntry(se, se.Entry.Source, conceptMatches(norm, concepts)))
	}

	span.SetAttributes(
		attribute.Int("evidence.count", len(evidence)),
		attribute.Int("history.count", len(history)),
		attribute.Int("concepts.count", len(concepts)),
	)
	return &TurnContext{
		Evidence:       evidence,
		Sources:        sources,
		History:        history,
		RewrittenQuery: rewritten,
		KeyConcepts:    concepts,
	}, nil
}

// initialCandidates runs the first retrieval pass and scores hits by
// Jaccard overlap with the message plus a phrase boost, descending. The
// file collection is additive: its failure degrades the turn to
// chat-memory-only instead of failing it.
func (s *ChatRetrievalService) initialCandidates(ctx context.Context, userID, message string, useFileRAG bool) ([]candidate, error) {
	queryWords := wordsOf(message)
	querySet := wordSet(queryWords)

	var pool []candidate
	scoreInto := func(hits []datatypes.ScoredEntry, source string) {
		for _, se := range hits {
			text := se.Entry.LosslessRestatement
			norm := normalizeText(text)
			j := jaccard(querySet, wordSet(wordsOf(text)))
			entry := se.Entry
			if entry.Source == "" {
				entry.Source = source
			}
			pool = append(pool, candidate{
				entry:          entry,
				source:         source,
				initialJaccard: j,
				score:          j + phraseBoost(queryWords, norm),
			})
		}
	}

	chatHits, err := s.search(ctx, s.ChatTenant(userID), message, nil, s.cfg.InitialTopK)
	if err != nil {
		return nil, fmt.Errorf("chat collection search: %w", err)
	}
	scoreInto(chatHits, "chat_history")

	if useFileRAG {
		fileHits, err := s.search(ctx, s.FileTenant(userID), message, nil, s.cfg.InitialTopK)
		if err != nil {
			slog.Warn("File collection search failed, continuing without documents",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		} else {
			scoreInto(fileHits, "file_data")
		}
	}

	sortCandidates(pool)
	return pool, nil
}

// enhancedPass searches with the deduplicated union of message, rewritten
// query, and concepts, merges both passes deduplicating by content digest,
// rescores 0.7×(union-query match) + 0.3×(initial Jaccard), drops
// query echoes, and keeps the per-mode budget.
func (s *ChatRetrievalService) enhancedPass(ctx context.Context, userID, message, rewritten string, concepts []string, mode string, initial []candidate) ([]datatypes.ScoredEntry, error) {
	union := unionQuery(message, rewritten, unionQuery(concepts...))
	unionSet := wordSet(wordsOf(union))
	messageSet := wordSet(wordsOf(message))
	rewrittenSet := wordSet(wordsOf(rewritten))

	enhancedHits, err := s.search(ctx, s.ChatTenant(userID), union, concepts, s.cfg.EnhancedTopK)
	if err != nil {
		return nil, fmt.Errorf("enhanced search: %w", err)
	}

	merged := make(map[string]candidate, len(initial)+len(enhancedHits))
	keep := func(c candidate) {
		key := contentDigest(c.entry.LosslessRestatement)
		if prev, ok := merged[key]; !ok || c.score > prev.score {
			merged[key] = c
		}
	}

	for _, c := range initial {
		c.score = 0.7*jaccard(unionSet, wordSet(wordsOf(c.entry.LosslessRestatement))) + 0.3*c.initialJaccard
		keep(c)
	}
	for _, se := range enhancedHits {
		text := se.Entry.LosslessRestatement
		textSet := wordSet(wordsOf(text))
		entry := se.Entry
		if entry.Source == "" {
			entry.Source = "chat_history"
		}
		keep(candidate{
			entry:  entry,
			source: "chat_history",
			score:  0.7*jaccard(unionSet, textSet) + 0.3*jaccard(messageSet, textSet),
		})
	}

	final := make([]candidate, 0, len(merged))
	for _, c := range merged {
		if echoesQuery(wordsOf(c.entry.LosslessRestatement), rewrittenSet) {
			continue
		}
		final = append(final, c)
	}
	sortCandidates(final)

	if limit := datatypes.RetainedResultsForMode(mode); len(final) > limit {
		final = final[:limit]
	}

	out := make([]datatypes.ScoredEntry, 0, len(final))
	for _, c := range final {
		out = append(out, datatypes.ScoredEntry{Entry: c.entry, Score: c.score})
	}
	return out, nil
}

// search pins the tenant and runs one hybrid query against it.
func (s *ChatRetrievalService) search(ctx context.Context, tenantID, query string, keywords []string, topK int) ([]datatypes.ScoredEntry, error) {
	h, err := s.searcher.Use(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.searcher.HybridSearch(ctx, h, query, keywords, nil, topK, s.cfg.WSem, s.cfg.WLex)
}

// historyWindow returns the messages the prompt will carry: the most recent
// exchanges always, plus older messages that mention a key concept, capped.
// The cache is consulted first; on a miss the store backfills it. History
// failures degrade to an empty window, never fail the turn.
func (s *ChatRetrievalService) historyWindow(ctx context.Context, userID, threadID string, concepts []string) []datatypes.ChatMessage {
	msgs := s.turns.Get(userID, threadID)
	if len(msgs) == 0 {
		loaded, err := s.loader.GetSessionMessages(ctx, userID, threadID, s.cfg.HistoryCap*2)
		if err != nil {
			slog.Debug("History backfill skipped",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()))
			return nil
		}
		if len(loaded) == 0 {
			return nil
		}
		s.turns.Set(userID, threadID, loaded)
		msgs = loaded
	}

	// Notes are out-of-band annotations, never transcript turns.
	turns := msgs[:0:0]
	for _, m := range msgs {
		if m.Role != datatypes.RoleNote {
			turns = append(turns, m)
		}
	}
	msgs = turns

	window := s.cfg.HistoryExchanges * 2
	if len(msgs) <= window {
		out := make([]datatypes.ChatMessage, len(msgs))
		copy(out, msgs)
		return out
	}

	cut := len(msgs) - window
	var out []datatypes.ChatMessage
	for _, m := range msgs[:cut] {
		if mentionsAny(m.Content, concepts) {
			out = append(out, m)
		}
	}
	out = append(out, msgs[cut:]...)

	if len(out) > s.cfg.HistoryCap {
		out = out[len(out)-s.cfg.HistoryCap:]
	}
	return out
}

// sortCandidates orders by score descending, entry ID breaking ties so
// equal scores rank deterministically.
func sortCandidates(pool []candidate) {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].entry.EntryID < pool[j].entry.EntryID
	})
}
