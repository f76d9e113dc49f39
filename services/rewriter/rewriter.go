// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rewriter turns raw user messages into retrieval-optimized queries.
//
// The rule-based Rewriter is canonical: it strips conversational filler,
// detects intent, scores candidate terms from the query and its retrieval
// context, and reassembles a query per the requested mode. An LLMRewriter
// exists for complex queries but falls back to the rules whenever the model
// refuses or produces an unusable result.
package rewriter

import (
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("engram.rewriter")

// Mode selects the rewrite strategy.
type Mode string

const (
	// ModePrecise produces a tight entity-forward query of at most ten
	// tokens.
	ModePrecise Mode = "precise"

	// ModeBalanced keeps the cleaned query, padding it with top-scored
	// terms when it is too short to retrieve well.
	ModeBalanced Mode = "balanced"

	// ModeCreative widens recall with an exploratory prefix and the top
	// scored terms.
	ModeCreative Mode = "creative"

	// ModeExpansive builds several candidate queries and keeps the one
	// with the best length and term coverage.
	ModeExpansive Mode = "expansive"
)

// cacheCapacity bounds the rewrite cache.
const cacheCapacity = 1000

// Rewriter is the rule-based query rewriter. Safe for concurrent use.
type Rewriter struct {
	cache *rewriteCache
}

// NewRewriter builds a rewriter with an empty cache.
func NewRewriter() *Rewriter {
	return &Rewriter{cache: newRewriteCache(cacheCapacity)}
}

// Rewrite produces a retrieval query from the raw message.
//
// ragContext carries snippets from the initial retrieval pass, keyConcepts
// the concepts extracted from its top results, and history recent exchanges.
// All three may be empty. An unknown or empty mode behaves as ModeBalanced.
//
// The result is never worse than the input: anything too short or degenerate
// reverts to the original query.
func (r *Rewriter) Rewrite(query string, ragContext, keyConcepts, history []string, mode Mode) string {
	original := strings.TrimSpace(query)
	if original == "" {
		return original
	}

	key := cacheKey(original, ragContext, keyConcepts, mode)
	if cached, ok := r.cache.get(key); ok {
		return cached
	}

	pre := preprocess(original)
	intent := detectIntent(pre)
	entities := extractEntities(pre)
	terms := scoreTerms(pre, entities, ragContext, keyConcepts, history, intent)

	var result string
	switch mode {
	case ModePrecise:
		result = rewritePrecise(entities, terms)
	case ModeCreative:
		result = rewriteCreative(pre, terms)
	case ModeExpansive:
		result = rewriteExpansive(pre, entities, terms, keyConcepts)
	default:
		result = rewriteBalanced(pre, terms)
	}

	if !acceptable(result) {
		result = original
	}
	r.cache.put(key, result)
	return result
}

// =============================================================================
// Preprocessing
// =============================================================================

// fillerPhrases are conversational lead-ins that carry no retrieval signal.
// Longest first so compound phrases are removed whole.
var fillerPhrases = []string{
	"i was wondering if you could",
	"i was wondering whether",
	"i was wondering if",
	"i was wondering",
	"i would like to know",
	"i'd like to know",
	"i want to know",
	"i need to know",
	"could you please",
	"would you please",
	"can you please",
	"could you",
	"would you",
	"can you",
	"please tell me",
	"tell me",
	"please",
}

// typoFixes maps frequent misspellings to their corrections. Applied per
// token, case-insensitively.
var typoFixes = map[string]string{
	"teh":        "the",
	"recieve":    "receive",
	"seperate":   "separate",
	"definately": "definitely",
	"occured":    "occurred",
	"adress":     "address",
	"wich":       "which",
	"becuase":    "because",
	"untill":     "until",
	"alot":       "a lot",
}

var (
	punctRuns  = regexp.MustCompile(`([?!.,;])[?!.,;]+`)
	spaceRuns  = regexp.MustCompile(`\s+`)
	quoteChars = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// preprocess strips filler, normalizes punctuation and whitespace, and fixes
// common typos. Case is preserved so entity extraction still works.
func preprocess(query string) string {
	out := quoteChars.Replace(query)

	lower := strings.ToLower(out)
	for _, phrase := range fillerPhrases {
		from := 0
		for {
			idx := strings.Index(lower[from:], phrase)
			if idx == -1 {
				break
			}
			idx += from
			// Word boundary on both sides, otherwise "please" would eat
			// part of "pleased".
			if !atBoundary(lower, idx, len(phrase)) {
				from = idx + 1
				continue
			}
			out = out[:idx] + out[idx+len(phrase):]
			lower = lower[:idx] + lower[idx+len(phrase):]
			from = idx
		}
	}

	out = punctRuns.ReplaceAllString(out, "$1")

	words := strings.Fields(out)
	for i, w := range words {
		trimmed := strings.ToLower(strings.Trim(w, ".,;:!?"))
		if fix, ok := typoFixes[trimmed]; ok {
			words[i] = fix
		}
	}
	out = strings.Join(words, " ")

	out = spaceRuns.ReplaceAllString(out, " ")
	return strings.TrimSpace(strings.Trim(out, ",;"))
}

// atBoundary reports whether s[idx:idx+n] sits on word boundaries.
func atBoundary(s string, idx, n int) bool {
	if idx > 0 && isWordByte(s[idx-1]) {
		return false
	}
	end := idx + n
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
