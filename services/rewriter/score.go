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
	"regexp"
	"sort"
	"strings"
)

// Source weights for term scoring. The query dominates, key concepts from
// the initial retrieval rank next, entities anchor the query's context, raw
// snippets contribute lightly, and history is a whisper.
const (
	weightQuery    = 3.0
	weightConcepts = 2.0
	weightEntities = 1.5
	weightSnippets = 1.0
	weightHistory  = 0.5

	// intentBoost multiplies terms aligned with the detected intent.
	intentBoost = 1.25

	// snippetLimit caps how many retrieval snippets feed the scorer;
	// lower-ranked snippets add more noise than signal.
	snippetLimit = 3

	// minTermLength drops tokens too short to carry retrieval signal.
	minTermLength = 3
)

// stopwords are dropped from term scoring entirely.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "am": true,
	"do": true, "does": true, "did": true, "have": true, "has": true,
	"had": true, "will": true, "would": true, "can": true, "could": true,
	"should": true, "shall": true, "may": true, "might": true, "must": true,
	"what": true, "which": true, "who": true, "whom": true, "whose": true,
	"when": true, "where": true, "why": true, "how": true, "i": true,
	"me": true, "my": true, "we": true, "our": true, "you": true,
	"your": true, "he": true, "him": true, "his": true, "she": true,
	"her": true, "it": true, "its": true, "they": true, "them": true,
	"their": true, "this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "not": true, "no": true,
	"nor": true, "of": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "with": true, "from": true, "by": true, "as": true,
	"about": true, "into": true, "over": true, "under": true,
	"between": true, "through": true, "there": true, "here": true,
	"if": true, "then": true, "than": true, "so": true, "too": true,
	"very": true, "just": true, "also": true, "more": true, "most": true,
	"some": true, "any": true, "each": true, "all": true, "both": true,
	"tell": true, "please": true, "know": true, "like": true, "want": true,
	"need": true, "get": true, "got": true, "make": true, "let": true,
	"us": true, "out": true, "up": true, "down": true, "off": true,
	"again": true, "only": true, "it's": true, "what's": true, "i'm": true,
	"don't": true, "doesn't": true, "isn't": true, "aren't": true,
	"can't": true, "won't": true, "how's": true,
}

// intentTerms boosts vocabulary aligned with each detected intent.
var intentTerms = map[queryIntent]map[string]bool{
	intentDefinition: {
		"definition": true, "meaning": true, "concept": true, "term": true,
	},
	intentComparison: {
		"difference": true, "differences": true, "comparison": true,
		"performance": true, "tradeoff": true, "tradeoffs": true,
	},
	intentProcedure: {
		"steps": true, "guide": true, "setup": true, "install": true,
		"configure": true, "configuration": true, "tutorial": true,
	},
	intentExplanation: {
		"reason": true, "cause": true, "mechanism": true,
		"architecture": true, "design": true,
	},
	intentAnalysis: {
		"impact": true, "implications": true, "evaluation": true,
		"metrics": true, "results": true,
	},
}

var tokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9'-]*`)

// tokenize lowercases text and returns its word tokens.
func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// scoredTerm is a candidate query term with its accumulated weight.
type scoredTerm struct {
	term  string
	score float64
}

// scoreTerms accumulates weighted term frequencies across all signal
// sources, boosts intent-aligned terms, and returns the candidates sorted by
// score (ties broken alphabetically, so output is deterministic).
func scoreTerms(query string, entities, ragContext, keyConcepts, history []string, intent queryIntent) []scoredTerm {
	scores := make(map[string]float64)
	accumulate := func(text string, weight float64) {
		for _, tok := range tokenize(text) {
			if len(tok) < minTermLength || stopwords[tok] {
				continue
			}
			scores[tok] += weight
		}
	}

	accumulate(query, weightQuery)
	for _, e := range entities {
		accumulate(e, weightEntities)
	}
	for _, c := range keyConcepts {
		accumulate(c, weightConcepts)
	}
	for i, snippet := range ragContext {
		if i >= snippetLimit {
			break
		}
		accumulate(snippet, weightSnippets)
	}
	for _, h := range history {
		accumulate(h, weightHistory)
	}

	if aligned := intentTerms[intent]; aligned != nil {
		for term := range scores {
			if aligned[term] {
				scores[term] *= intentBoost
			}
		}
	}

	out := make([]scoredTerm, 0, len(scores))
	for term, score := range scores {
		out = append(out, scoredTerm{term: term, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].term < out[j].term
	})
	return out
}
