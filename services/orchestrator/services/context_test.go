// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/rewriter"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSearcher answers hybrid queries from canned hits keyed by tenant.
// Every query it saw is recorded for assertions.
type fakeSearcher struct {
	hits       map[string][]datatypes.ScoredEntry
	useErr     map[string]error
	searchErr  map[string]error
	usedTenant []string
	queries    []string
	keywords   [][]string
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		hits:      map[string][]datatypes.ScoredEntry{},
		useErr:    map[string]error{},
		searchErr: map[string]error{},
	}
}

func (f *fakeSearcher) Use(_ context.Context, tenantID string) (vectorstore.CollectionHandle, error) {
	f.usedTenant = append(f.usedTenant, tenantID)
	if err := f.useErr[tenantID]; err != nil {
		return vectorstore.CollectionHandle{}, err
	}
	return vectorstore.CollectionHandle{}, nil
}

func (f *fakeSearcher) HybridSearch(_ context.Context, _ vectorstore.CollectionHandle, query string, keywords []string, _ *datatypes.SearchFilters, _ int, _, _ float64) ([]datatypes.ScoredEntry, error) {
	tenant := f.usedTenant[len(f.usedTenant)-1]
	f.queries = append(f.queries, query)
	f.keywords = append(f.keywords, keywords)
	if err := f.searchErr[tenant]; err != nil {
		return nil, err
	}
	return f.hits[tenant], nil
}

// fakeRewriter returns a fixed rewrite and records what it was asked.
type fakeRewriter struct {
	out      string
	query    string
	contexts []string
	concepts []string
}

func (f *fakeRewriter) Rewrite(_ context.Context, query string, ragContext, keyConcepts, _ []string, _ rewriter.Mode) string {
	f.query = query
	f.contexts = ragContext
	f.concepts = keyConcepts
	if f.out == "" {
		return query
	}
	return f.out
}

// fakeTurnCache is an in-memory TurnCache tracking Set calls.
type fakeTurnCache struct {
	data map[string][]datatypes.ChatMessage
	sets int
}

func newFakeTurnCache() *fakeTurnCache {
	return &fakeTurnCache{data: map[string][]datatypes.ChatMessage{}}
}

func (f *fakeTurnCache) Get(userID, sessionID string) []datatypes.ChatMessage {
	return f.data[userID+"/"+sessionID]
}

func (f *fakeTurnCache) Set(userID, sessionID string, messages []datatypes.ChatMessage) {
	f.data[userID+"/"+sessionID] = messages
	f.sets++
}

// fakeLoader serves persisted messages and records whether it was hit.
type fakeLoader struct {
	messages []datatypes.ChatMessage
	err      error
	calls    int
}

func (f *fakeLoader) GetSessionMessages(_ context.Context, _, _ string, _ int) ([]datatypes.ChatMessage, error) {
	f.calls++
	return f.messages, f.err
}

func entry(id, text string) datatypes.ScoredEntry {
	return datatypes.ScoredEntry{
		Entry: datatypes.MemoryEntry{
			EntryID:             id,
			LosslessRestatement: text,
		},
		Score: 0.5,
	}
}

func newTestService(t *testing.T, searcher *fakeSearcher, rw *fakeRewriter, turns *fakeTurnCache, loader *fakeLoader) *ChatRetrievalService {
	t.Helper()
	svc, err := NewChatRetrievalService(searcher, rw, turns, loader, DefaultRetrievalConfig())
	require.NoError(t, err)
	return svc
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewChatRetrievalService_RequiresDeps(t *testing.T) {
	s := newFakeSearcher()
	rw := &fakeRewriter{}
	tc := newFakeTurnCache()
	ld := &fakeLoader{}

	tests := []struct {
		name     string
		searcher Searcher
		rewriter Rewriter
		turns    TurnCache
		loader   MessageLoader
	}{
		{"nil searcher", nil, rw, tc, ld},
		{"nil rewriter", s, nil, tc, ld},
		{"nil turn cache", s, rw, nil, ld},
		{"nil loader", s, rw, tc, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChatRetrievalService(tt.searcher, tt.rewriter, tt.turns, tt.loader, DefaultRetrievalConfig())
			assert.Error(t, err)
		})
	}
}

func TestNewChatRetrievalService_NormalizesZeroConfig(t *testing.T) {
	svc := newTestServiceWithConfig(t, newFakeSearcher(), RetrievalConfig{})
	assert.Equal(t, "chat_history_alice", svc.ChatTenant("alice"))
	assert.Equal(t, "file_data_alice", svc.FileTenant("alice"))
}

func newTestServiceWithConfig(t *testing.T, searcher *fakeSearcher, cfg RetrievalConfig) *ChatRetrievalService {
	t.Helper()
	svc, err := NewChatRetrievalService(searcher, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{}, cfg)
	require.NoError(t, err)
	return svc
}

func TestRetrievalConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_HISTORY_COLLECTION", "conversations")
	t.Setenv("FILE_DATA_COLLECTION", "docs")
	t.Setenv("MEMORY_WINDOW_SIZE", "3")

	cfg := RetrievalConfigFromEnv()
	assert.Equal(t, "conversations", cfg.ChatCollection)
	assert.Equal(t, "docs", cfg.FileCollection)
	assert.Equal(t, 3, cfg.HistoryExchanges)

	t.Setenv("MEMORY_WINDOW_SIZE", "not-a-number")
	assert.Equal(t, DefaultRetrievalConfig().HistoryExchanges, RetrievalConfigFromEnv().HistoryExchanges)
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestBuildTurnContext_RanksByLexicalOverlap(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("weak", "completely unrelated gardening advice"),
		entry("strong", "docker networking uses bridge interfaces"),
	}
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "how does docker networking work", "balanced", false)
	require.NoError(t, err)
	require.NotEmpty(t, tc.Evidence)
	assert.Equal(t, "strong", tc.Evidence[0].Entry.EntryID,
		"entry sharing words with the query should outrank the unrelated one")
}

func TestBuildTurnContext_EmptyStoreIsNotAnError(t *testing.T) {
	svc := newTestService(t, newFakeSearcher(), &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello there", "balanced", false)
	require.NoError(t, err)
	assert.Empty(t, tc.Evidence)
	assert.Empty(t, tc.Sources)
}

func TestBuildTurnContext_ChatSearchErrorPropagates(t *testing.T) {
	s := newFakeSearcher()
	s.searchErr["chat_history_alice"] = errors.New("weaviate down")
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	_, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", false)
	assert.Error(t, err)
}

func TestBuildTurnContext_FileSearchFailureDegrades(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("chat-1", "docker networking uses bridge interfaces"),
	}
	s.searchErr["file_data_alice"] = errors.New("collection unavailable")
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "docker networking", "balanced", true)
	require.NoError(t, err, "file collection failure must not fail the turn")
	require.NotEmpty(t, tc.Evidence)
	assert.Equal(t, "chat-1", tc.Evidence[0].Entry.EntryID)
}

func TestBuildTurnContext_FileCollectionOnlyWhenRequested(t *testing.T) {
	s := newFakeSearcher()
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	_, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", false)
	require.NoError(t, err)
	for _, tenant := range s.usedTenant {
		assert.NotContains(t, tenant, "file_data", "file tenant must not be touched when file RAG is off")
	}

	_, err = svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", true)
	require.NoError(t, err)
	assert.Contains(t, s.usedTenant, "file_data_alice")
}

func TestBuildTurnContext_TenantsDerivedFromUser(t *testing.T) {
	s := newFakeSearcher()
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	_, err := svc.BuildTurnContext(context.Background(), "bob", "th-1", "hello", "balanced", false)
	require.NoError(t, err)
	assert.Contains(t, s.usedTenant, "chat_history_bob")
	assert.NotContains(t, s.usedTenant, "chat_history_alice")
}

func TestBuildTurnContext_RewriterSeesTopTextsAndConcepts(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("a", "kubernetes ingress controllers route external traffic"),
		entry("b", "kubernetes ingress requires annotations"),
	}
	rw := &fakeRewriter{out: "kubernetes ingress routing"}
	svc := newTestService(t, s, rw, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "how do I expose my kubernetes service", "balanced", false)
	require.NoError(t, err)

	assert.Equal(t, "how do I expose my kubernetes service", rw.query)
	assert.NotEmpty(t, rw.contexts, "rewriter should see the initial candidate texts")
	assert.Equal(t, "kubernetes ingress routing", tc.RewrittenQuery)
	assert.Contains(t, tc.KeyConcepts, "kubernetes")
}

func TestBuildTurnContext_EnhancedQueryUnionsTerms(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("a", "postgres replication uses write ahead logs"),
	}
	rw := &fakeRewriter{out: "postgres streaming replication setup"}
	svc := newTestService(t, s, rw, newFakeTurnCache(), &fakeLoader{})

	_, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "replication in postgres", "balanced", false)
	require.NoError(t, err)

	// Second chat query is the enhanced one: original plus rewritten terms,
	// deduplicated.
	require.GreaterOrEqual(t, len(s.queries), 2)
	enhanced := s.queries[len(s.queries)-1]
	assert.Contains(t, enhanced, "replication")
	assert.Contains(t, enhanced, "streaming")
	assert.Contains(t, enhanced, "setup")
	assert.Equal(t, 1, strings.Count(enhanced, "postgres"), "union query must not repeat words")
}

func TestBuildTurnContext_DedupesByContent(t *testing.T) {
	s := newFakeSearcher()
	dup := "docker networking uses bridge interfaces"
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("initial-copy", dup),
		entry("other", "docker volumes persist container data"),
	}
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "docker networking", "balanced", false)
	require.NoError(t, err)

	// Both passes return the same hits; identical text must survive once.
	texts := map[string]int{}
	for _, se := range tc.Evidence {
		texts[se.Entry.LosslessRestatement]++
	}
	assert.Equal(t, 1, texts[dup])
}

func TestBuildTurnContext_DropsRewrittenQueryEchoes(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("echo", "docker networking bridge"),
		entry("real", "the bridge driver creates a veth pair for each container and attaches it to docker0"),
	}
	rw := &fakeRewriter{out: "docker networking bridge"}
	svc := newTestService(t, s, rw, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "docker networking", "balanced", false)
	require.NoError(t, err)

	for _, se := range tc.Evidence {
		assert.NotEqual(t, "echo", se.Entry.EntryID,
			"a stored copy of the query itself is not evidence")
	}
	ids := make([]string, 0, len(tc.Evidence))
	for _, se := range tc.Evidence {
		ids = append(ids, se.Entry.EntryID)
	}
	assert.Contains(t, ids, "real")
}

func TestBuildTurnContext_ModeBudgets(t *testing.T) {
	hits := make([]datatypes.ScoredEntry, 0, 30)
	for i := 0; i < 30; i++ {
		hits = append(hits, entry(
			fmt.Sprintf("e-%02d", i),
			fmt.Sprintf("docker networking fact number %d about bridges and veth pairs", i),
		))
	}

	tests := []struct {
		mode string
		max  int
	}{
		{"precise", 8},
		{"balanced", 12},
		{"creative", 15},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := newFakeSearcher()
			s.hits["chat_history_alice"] = hits
			svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

			tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "docker networking", tt.mode, false)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(tc.Evidence), tt.max)
		})
	}
}

func TestBuildTurnContext_SourcesMirrorEvidence(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("src-1", "docker networking uses bridge interfaces"),
	}
	svc := newTestService(t, s, &fakeRewriter{}, newFakeTurnCache(), &fakeLoader{})

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "docker networking", "balanced", false)
	require.NoError(t, err)
	require.Len(t, tc.Sources, len(tc.Evidence))
	assert.Equal(t, "src-1", tc.Sources[0].ID)
	assert.Equal(t, "docker networking uses bridge interfaces", tc.Sources[0].Text)
}

// =============================================================================
// History Window Tests
// =============================================================================

func msg(role, content string) datatypes.ChatMessage {
	return datatypes.ChatMessage{Role: role, Content: content}
}

func TestBuildTurnContext_HistoryRecentWindow(t *testing.T) {
	turns := newFakeTurnCache()
	var cached []datatypes.ChatMessage
	for i := 0; i < 14; i++ {
		cached = append(cached, msg("human", fmt.Sprintf("question %d", i)), msg("llm", fmt.Sprintf("answer %d", i)))
	}
	turns.Set("alice", "th-1", cached)
	turns.sets = 0

	svc := newTestService(t, newFakeSearcher(), &fakeRewriter{}, turns, &fakeLoader{})
	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", false)
	require.NoError(t, err)

	// Five exchanges = ten messages, the most recent ones.
	require.Len(t, tc.History, 10)
	assert.Equal(t, "question 9", tc.History[0].Content)
	assert.Equal(t, "answer 13", tc.History[len(tc.History)-1].Content)
	assert.Zero(t, turns.sets, "a cache hit must not rewrite the cache")
}

func TestBuildTurnContext_HistoryResurfacesConceptMentions(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("a", "terraform state locking with dynamodb tables"),
		entry("b", "terraform state locking prevents concurrent applies"),
	}

	turns := newFakeTurnCache()
	var cached []datatypes.ChatMessage
	cached = append(cached, msg("human", "remind me about terraform state locking"), msg("llm", "it uses a lock table"))
	for i := 0; i < 8; i++ {
		cached = append(cached, msg("human", fmt.Sprintf("filler question %d", i)), msg("llm", fmt.Sprintf("filler answer %d", i)))
	}
	turns.Set("alice", "th-1", cached)

	svc := newTestService(t, s, &fakeRewriter{}, turns, &fakeLoader{})
	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "what was that terraform thing", "balanced", false)
	require.NoError(t, err)

	var foundOld bool
	for _, m := range tc.History {
		if strings.Contains(m.Content, "terraform state locking") {
			foundOld = true
		}
	}
	assert.True(t, foundOld, "an older exchange naming a key concept should reappear")
	// The recent window itself is intact.
	assert.Equal(t, "filler answer 7", tc.History[len(tc.History)-1].Content)
}

func TestBuildTurnContext_HistoryCapped(t *testing.T) {
	s := newFakeSearcher()
	s.hits["chat_history_alice"] = []datatypes.ScoredEntry{
		entry("a", "terraform terraform terraform planning"),
	}

	turns := newFakeTurnCache()
	var cached []datatypes.ChatMessage
	for i := 0; i < 40; i++ {
		cached = append(cached, msg("human", fmt.Sprintf("terraform question %d", i)), msg("llm", fmt.Sprintf("terraform answer %d", i)))
	}
	turns.Set("alice", "th-1", cached)

	svc := newTestService(t, s, &fakeRewriter{}, turns, &fakeLoader{})
	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "more terraform", "balanced", false)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(tc.History), 20)
	// Oldest mentions are the ones dropped.
	assert.Equal(t, "terraform answer 39", tc.History[len(tc.History)-1].Content)
}

func TestBuildTurnContext_HistoryBackfillsFromStore(t *testing.T) {
	turns := newFakeTurnCache()
	loader := &fakeLoader{messages: []datatypes.ChatMessage{
		msg("human", "old question"),
		msg("llm", "old answer"),
	}}

	svc := newTestService(t, newFakeSearcher(), &fakeRewriter{}, turns, loader)
	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-9", "hello", "balanced", false)
	require.NoError(t, err)

	assert.Equal(t, 1, loader.calls)
	require.Len(t, tc.History, 2)
	assert.Equal(t, 1, turns.sets, "backfilled history should prime the cache")
	assert.Len(t, turns.Get("alice", "th-9"), 2)
}

func TestBuildTurnContext_HistoryExcludesNotes(t *testing.T) {
	turns := newFakeTurnCache()
	turns.Set("alice", "th-1", []datatypes.ChatMessage{
		msg("human", "a question"),
		msg("note", "tool annotation, not a turn"),
		msg("llm", "an answer"),
	})
	turns.sets = 0

	svc := newTestService(t, newFakeSearcher(), &fakeRewriter{}, turns, &fakeLoader{})
	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", false)
	require.NoError(t, err)

	require.Len(t, tc.History, 2)
	for _, m := range tc.History {
		assert.NotEqual(t, "note", m.Role)
	}
}

func TestBuildTurnContext_HistoryLoadFailureDegrades(t *testing.T) {
	loader := &fakeLoader{err: errors.New("store offline")}
	svc := newTestService(t, newFakeSearcher(), &fakeRewriter{}, newFakeTurnCache(), loader)

	tc, err := svc.BuildTurnContext(context.Background(), "alice", "th-1", "hello", "balanced", false)
	require.NoError(t, err, "history store failure must not fail the turn")
	assert.Empty(t, tc.History)
}
