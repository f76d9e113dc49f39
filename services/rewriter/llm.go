// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rewriter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// GenerateFunc invokes the model with a prompt and a response token budget.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

const (
	llmRewriteTimeout   = 15 * time.Second
	llmRewriteMaxTokens = 128
)

// failurePhrases mark model output that refused or hedged instead of
// rewriting. Matched case-insensitively.
var failurePhrases = []string{
	"i cannot",
	"i can't",
	"i am unable",
	"i'm unable",
	"as an ai",
	"as a language model",
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"i don't have",
}

// LLMRewriter asks the model to rewrite complex queries, falling back to the
// rule-based rewriter whenever the model refuses, errors, or produces an
// unusable result. The rules remain canonical: this never returns anything
// the rule-based path could not have vetted.
type LLMRewriter struct {
	generate GenerateFunc
	rules    *Rewriter
}

// NewLLMRewriter wires the fallback rewriter. Both arguments are required.
func NewLLMRewriter(generate GenerateFunc, rules *Rewriter) (*LLMRewriter, error) {
	if generate == nil {
		return nil, fmt.Errorf("llm rewriter: generate function is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("llm rewriter: rule-based rewriter is required")
	}
	return &LLMRewriter{generate: generate, rules: rules}, nil
}

// Rewrite asks the model for a retrieval query, vetting the answer before
// trusting it.
func (l *LLMRewriter) Rewrite(ctx context.Context, query string, ragContext, keyConcepts, history []string, mode Mode) string {
	ctx, span := tracer.Start(ctx, "rewriter.LLMRewrite")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(mode)))

	prompt := buildRewritePrompt(query, ragContext, keyConcepts, mode)

	callCtx, cancel := context.WithTimeout(ctx, llmRewriteTimeout)
	defer cancel()
	response, err := l.generate(callCtx, prompt, llmRewriteMaxTokens)
	if err != nil {
		span.RecordError(err)
		slog.Warn("LLM rewrite failed, using rule-based rewriter", "error", err)
		return l.rules.Rewrite(query, ragContext, keyConcepts, history, mode)
	}

	result := scrubRewrite(response)
	if refused(result) || !acceptable(result) {
		slog.Warn("LLM rewrite rejected, using rule-based rewriter",
			"response_prefix", prefix(result, 60))
		return l.rules.Rewrite(query, ragContext, keyConcepts, history, mode)
	}
	return result
}

func buildRewritePrompt(query string, ragContext, keyConcepts []string, mode Mode) string {
	var b strings.Builder
	b.WriteString("Rewrite the user's message as a search query optimized for retrieval.\n")
	b.WriteString("Keep every distinctive term, drop conversational filler, and respond\n")
	b.WriteString("with the query only, no explanation and no quotes.\n\n")
	switch mode {
	case ModePrecise:
		b.WriteString("Style: terse, at most ten words, names and entities first.\n")
	case ModeCreative:
		b.WriteString("Style: exploratory, include related terms that widen the search.\n")
	case ModeExpansive:
		b.WriteString("Style: thorough, cover every aspect of the message.\n")
	default:
		b.WriteString("Style: natural, keep the message's own wording where it is specific.\n")
	}
	if len(keyConcepts) > 0 {
		fmt.Fprintf(&b, "\nKey concepts: %s\n", strings.Join(keyConcepts, ", "))
	}
	if len(ragContext) > 0 {
		b.WriteString("\nRetrieved context:\n")
		for i, snippet := range ragContext {
			if i >= snippetLimit {
				break
			}
			fmt.Fprintf(&b, "- %s\n", prefix(snippet, 200))
		}
	}
	fmt.Fprintf(&b, "\nMessage: %s\n", query)
	return b.String()
}

// scrubRewrite reduces a model response to the query line: the first
// non-empty line, stripped of wrapping quotes and label prefixes.
func scrubRewrite(response string) string {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, label := range []string{"Rewritten query:", "Search query:", "Query:"} {
			if strings.HasPrefix(strings.ToLower(line), strings.ToLower(label)) {
				line = strings.TrimSpace(line[len(label):])
			}
		}
		return strings.Trim(line, "\"'`")
	}
	return ""
}

func refused(result string) bool {
	lower := strings.ToLower(result)
	for _, phrase := range failurePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
