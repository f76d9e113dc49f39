// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the memory service.
//
// This file contains the shapes shared by the vector store, the hybrid
// retriever, and the chat orchestrator: search filters, scored results, and
// the evidence payload surfaced to clients.
package datatypes

import "fmt"

// =============================================================================
// LLM Wire Messages
// =============================================================================

// Chat-completion roles on the model wire. Distinct from the persisted
// message roles in session.go: the store speaks human/llm/note, the model
// speaks system/user/assistant.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// Message is one turn in a model-facing conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Search Filters (Symbolic View)
// =============================================================================

// SearchFilters narrows a search over the symbolic facets of stored entries.
// String fields are exact-match; slice fields match any member; the
// timestamp bounds are inclusive and accept any layout ParseEntryTimestamp
// accepts.
type SearchFilters struct {
	Persons    []string `json:"persons,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Location   string   `json:"location,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	MemoryType string   `json:"memory_type,omitempty"`
	Source     string   `json:"source,omitempty"`
	After      string   `json:"after,omitempty"`
	Before     string   `json:"before,omitempty"`
}

// IsZero reports whether no filter field is set.
func (f *SearchFilters) IsZero() bool {
	if f == nil {
		return true
	}
	return len(f.Persons) == 0 && len(f.Entities) == 0 &&
		f.Location == "" && f.Topic == "" && f.MemoryType == "" &&
		f.Source == "" && f.After == "" && f.Before == ""
}

// Validate checks the fields that must parse before a store round-trip.
func (f *SearchFilters) Validate() error {
	if f == nil {
		return nil
	}
	if f.MemoryType != "" {
		switch f.MemoryType {
		case MemoryTypeEpisodic, MemoryTypeSemantic, MemoryTypeProcedural, MemoryTypeWorking:
		default:
			return fmt.Errorf("search filter validation failed: unknown memory type %q", f.MemoryType)
		}
	}
	if f.After != "" {
		if _, err := ParseEntryTimestamp(f.After); err != nil {
			return fmt.Errorf("search filter validation failed: after: %w", err)
		}
	}
	if f.Before != "" {
		if _, err := ParseEntryTimestamp(f.Before); err != nil {
			return fmt.Errorf("search filter validation failed: before: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Scored Results
// =============================================================================

// ScoredEntry pairs an entry with its relevance under a specific query.
// Scores are comparable within one result list only.
type ScoredEntry struct {
	Entry MemoryEntry `json:"entry"`
	Score float64     `json:"score"`
}

// SourceInfo is the client-facing evidence record inside a rag_results
// frame: enough to render a citation without exposing store internals.
type SourceInfo struct {
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	Text      string   `json:"text"`
	Source    string   `json:"source,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Matches   []string `json:"matches,omitempty"`
}

// SourceInfoFromEntry projects a scored entry into its client-facing shape.
// matches carries the query terms that hit, when the ranker tracked them.
func SourceInfoFromEntry(se ScoredEntry, source string, matches []string) SourceInfo {
	return SourceInfo{
		ID:        se.Entry.EntryID,
		Score:     se.Score,
		Text:      se.Entry.LosslessRestatement,
		Source:    source,
		Timestamp: se.Entry.Timestamp,
		Matches:   matches,
	}
}

// =============================================================================
// Retrieval Options
// =============================================================================

// Retrieval defaults. Planning and reflection are model-assisted and off in
// the hot path unless a caller opts in.
const (
	DefaultRetrievalTopK       = 10
	DefaultMaxSubQueries       = 4
	DefaultMaxReflectionRounds = 2
)

// RetrievalOptions tunes one hybrid retriever invocation.
type RetrievalOptions struct {
	TopK                int  `json:"top_k,omitempty"`
	EnablePlanning      bool `json:"enable_planning,omitempty"`
	EnableReflection    bool `json:"enable_reflection,omitempty"`
	MaxReflectionRounds int  `json:"max_reflection_rounds,omitempty"`
	EnableParallel      bool `json:"enable_parallel,omitempty"`
}

// EnsureDefaults fills zero-valued options with the documented defaults.
func (o *RetrievalOptions) EnsureDefaults() {
	if o.TopK <= 0 {
		o.TopK = DefaultRetrievalTopK
	}
	if o.MaxReflectionRounds <= 0 {
		o.MaxReflectionRounds = DefaultMaxReflectionRounds
	}
}

// RetrievalResult is the retriever's merged, ranked, capped output along
// with what it did to get there.
type RetrievalResult struct {
	Entries          []ScoredEntry `json:"entries"`
	SubQueries       []string      `json:"sub_queries,omitempty"`
	ReflectionRounds int           `json:"reflection_rounds"`
}

// =============================================================================
// Memory Tool API Shapes
// =============================================================================

// SearchMemoryRequest is the argument shape of the search_memory tool and
// POST /v1/memory/search.
type SearchMemoryRequest struct {
	TenantID string         `json:"tenant_id" validate:"required,max=128"`
	Query    string         `json:"query" validate:"required,min=1,maxbytes"`
	TopK     int            `json:"top_k,omitempty" validate:"omitempty,gte=1,lte=100"`
	Filters  *SearchFilters `json:"filters,omitempty"`
}

// Validate checks the request fields.
func (r *SearchMemoryRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("search memory validation failed: %w", err)
	}
	return r.Filters.Validate()
}

// AddMemoryRequest is the argument shape of the add_memory_direct tool and
// POST /v1/memory. Entries arrive without vectors; the service embeds them.
type AddMemoryRequest struct {
	TenantID string        `json:"tenant_id" validate:"required,max=128"`
	Entries  []MemoryEntry `json:"entries" validate:"required,min=1,max=100"`
}

// Validate checks the request and every entry in it.
func (r *AddMemoryRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("add memory validation failed: %w", err)
	}
	for i := range r.Entries {
		r.Entries[i].EnsureDefaults()
		if err := r.Entries[i].Validate(); err != nil {
			return fmt.Errorf("add memory validation failed: entry %d: %w", i, err)
		}
	}
	return nil
}
