// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

const planMaxTokens = 512

// plan decomposes the query into sub-queries. Any failure falls back to the
// original query alone: retrieval must not die because planning did.
func (r *Retriever) plan(ctx context.Context, query string) []string {
	ctx, span := tracer.Start(ctx, "retriever.Plan")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, planCallTimeout)
	defer cancel()
	response, err := r.generate(callCtx, buildPlanPrompt(query), planMaxTokens)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Query planning failed, searching the original query", "error", err)
		return []string{query}
	}

	subqueries, err := parsePlan(response)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Query plan unusable, searching the original query", "error", err)
		return []string{query}
	}
	return subqueries
}

func buildPlanPrompt(query string) string {
	return fmt.Sprintf(`Decompose the question below into focused search queries for a memory
store of single-sentence facts. Each query targets one facet (who, what,
when, where). Use as few as possible, at most %d. A simple question needs
only itself, slightly rephrased.

Question: %s

Respond with ONLY a JSON array of strings.`, subqueryLimit, query)
}

// parsePlan extracts the sub-query array from a model response.
func parsePlan(response string) ([]string, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in plan response")
	}

	var raw []string
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	subqueries := make([]string, 0, len(raw))
	for _, sq := range raw {
		sq = strings.TrimSpace(sq)
		if sq == "" {
			continue
		}
		subqueries = append(subqueries, sq)
		if len(subqueries) == subqueryLimit {
			break
		}
	}
	if len(subqueries) == 0 {
		return nil, fmt.Errorf("plan contained no sub-queries")
	}
	return subqueries, nil
}

// reflection is the model's verdict on the evidence gathered so far.
type reflection struct {
	Sufficient      bool     `json:"sufficient"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// reflect asks the model whether the evidence answers the original query.
// It returns follow-up sub-queries, or nil when the evidence suffices, the
// budget is spent, or reflection itself fails.
func (r *Retriever) reflect(ctx context.Context, query string, evidence []datatypes.ScoredEntry) []string {
	ctx, span := tracer.Start(ctx, "retriever.Reflect")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, planCallTimeout)
	defer cancel()
	response, err := r.generate(callCtx, buildReflectionPrompt(query, evidence), planMaxTokens)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Reflection failed, keeping current results", "error", err)
		return nil
	}

	verdict, err := parseReflection(response)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Reflection response unusable, keeping current results", "error", err)
		return nil
	}
	if verdict.Sufficient {
		return nil
	}

	followups := make([]string, 0, len(verdict.FollowUpQueries))
	for _, sq := range verdict.FollowUpQueries {
		sq = strings.TrimSpace(sq)
		if sq == "" {
			continue
		}
		followups = append(followups, sq)
		if len(followups) == subqueryLimit {
			break
		}
	}
	return followups
}

func buildReflectionPrompt(query string, evidence []datatypes.ScoredEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence found so far:\n", query)
	if len(evidence) == 0 {
		b.WriteString("(none)\n")
	}
	for i, se := range evidence {
		if i >= reflectionEvidenceLimit {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, se.Entry.LosslessRestatement)
	}
	fmt.Fprintf(&b, `
Does the evidence suffice to answer the question? If not, state what is
missing as new search queries (at most %d).

Respond with ONLY a JSON object:
{"sufficient": true or false, "follow_up_queries": ["..."]}`, subqueryLimit)
	return b.String()
}

// parseReflection extracts the verdict object from a model response.
func parseReflection(response string) (reflection, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return reflection{}, fmt.Errorf("no JSON object found in reflection response")
	}

	var verdict reflection
	if err := json.Unmarshal([]byte(response[start:end+1]), &verdict); err != nil {
		return reflection{}, fmt.Errorf("failed to unmarshal reflection: %w", err)
	}
	return verdict, nil
}
