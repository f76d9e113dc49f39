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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape. Memory collections have per-tenant class names,
// so the memory envelopes below key their result arrays by class name instead
// of hardcoding one.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName(class).Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[MemoryQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, r := range parsed.Results(class) {
//	    entry := r.ToEntry()
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// GraphQLResponseError flattens resp.Errors into a single error, or nil when
// the response carries none. Weaviate reports schema and query problems here
// with a 200 transport status, so every query path must check it.
func GraphQLResponseError(resp *models.GraphQLResponse) error {
	if resp == nil || len(resp.Errors) == 0 {
		return nil
	}
	msg := resp.Errors[0].Message
	if len(resp.Errors) > 1 {
		return fmt.Errorf("graphql query failed: %s (and %d more errors)", msg, len(resp.Errors)-1)
	}
	return fmt.Errorf("graphql query failed: %s", msg)
}

// =============================================================================
// Memory Collection Response Types
// =============================================================================

// MemoryQueryResponse is the envelope of a Get query against one tenant's
// memory class. The inner map is keyed by class name because each tenant has
// its own class.
type MemoryQueryResponse struct {
	Get map[string][]MemoryEntryResult `json:"Get"`
}

// Results returns the result list for the given class, nil when the class is
// absent from the response.
func (r *MemoryQueryResponse) Results(className string) []MemoryEntryResult {
	if r == nil {
		return nil
	}
	return r.Get[className]
}

// MemoryEntryResult is a single stored entry as Weaviate returns it from a
// Get query, including the _additional block when requested.
type MemoryEntryResult struct {
	EntryID             string   `json:"entry_id"`
	LosslessRestatement string   `json:"lossless_restatement"`
	Keywords            []string `json:"keywords"`
	Timestamp           string   `json:"timestamp"`
	TimestampUnix       float64  `json:"timestamp_unix"`
	Location            string   `json:"location"`
	Topic               string   `json:"topic"`
	Persons             []string `json:"persons"`
	Entities            []string `json:"entities"`
	MemoryType          string   `json:"memory_type"`
	TenantID            string   `json:"tenant_id"`
	Source              string   `json:"source"`
	CreatedAt           float64  `json:"created_at"`
	Additional          struct {
		ID        string    `json:"id"`
		Certainty *float32  `json:"certainty"`
		Distance  *float32  `json:"distance"`
		Score     string    `json:"score"`
		Vector    []float32 `json:"vector"`
	} `json:"_additional"`
}

// ToEntry converts the wire result back into the canonical entry shape.
// The dense vector is only populated when the query requested
// _additional { vector }.
func (r *MemoryEntryResult) ToEntry() MemoryEntry {
	return MemoryEntry{
		EntryID:             r.EntryID,
		TenantID:            r.TenantID,
		LosslessRestatement: r.LosslessRestatement,
		Keywords:            r.Keywords,
		Timestamp:           r.Timestamp,
		Location:            r.Location,
		Topic:               r.Topic,
		Persons:             r.Persons,
		Entities:            r.Entities,
		MemoryType:          r.MemoryType,
		Source:              r.Source,
		DenseVector:         r.Additional.Vector,
	}
}

// Similarity returns the semantic similarity of this result in [0, 1].
// Weaviate's certainty is already (1+cos)/2 for cosine collections; absent
// certainty (non-vector queries) yields 0.
func (r *MemoryEntryResult) Similarity() float64 {
	if r.Additional.Certainty == nil {
		return 0
	}
	return float64(*r.Additional.Certainty)
}

// LexicalScore returns the BM25 score of this result. Weaviate serializes
// _additional.score as a string; unparseable or absent scores yield 0.
func (r *MemoryEntryResult) LexicalScore() float64 {
	if r.Additional.Score == "" {
		return 0
	}
	score, err := strconv.ParseFloat(r.Additional.Score, 64)
	if err != nil {
		return 0
	}
	return score
}

// =============================================================================
// Aggregate Response Types
// =============================================================================

// AggregateCountResponse is the envelope of an Aggregate ... { meta { count } }
// query, keyed by class name like MemoryQueryResponse.
type AggregateCountResponse struct {
	Aggregate map[string][]AggregateMetaBucket `json:"Aggregate"`
}

// AggregateMetaBucket is one aggregation group carrying the object count.
type AggregateMetaBucket struct {
	Meta struct {
		Count float64 `json:"count"`
	} `json:"meta"`
}

// CountForClass extracts the object count for the given class, 0 when the
// class is absent.
func (r *AggregateCountResponse) CountForClass(className string) int64 {
	if r == nil {
		return 0
	}
	buckets := r.Aggregate[className]
	if len(buckets) == 0 {
		return 0
	}
	return int64(buckets[0].Meta.Count)
}
