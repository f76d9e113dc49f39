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
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// stopwords excluded from concept extraction and overlap scoring. Smaller
// than the rewriter's list on purpose: retrieval scoring only needs the
// words that carry no topical signal at all.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "has": true, "had": true,
	"was": true, "were": true, "are": true, "is": true, "be": true,
	"been": true, "will": true, "would": true, "can": true, "could": true,
	"should": true, "what": true, "which": true, "when": true, "where": true,
	"why": true, "how": true, "who": true, "you": true, "your": true,
	"they": true, "them": true, "their": true, "about": true, "does": true,
	"did": true, "not": true, "but": true, "all": true, "any": true,
	"its": true, "it's": true, "into": true, "also": true, "just": true,
	"than": true, "then": true, "there": true, "here": true, "out": true,
	"over": true, "more": true, "some": true, "such": true, "only": true,
}

// wordsOf lowercases and splits text on every non-letter, non-digit rune.
func wordsOf(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// wordSet builds a membership set from tokenized text.
func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over word sets. Empty-vs-empty is 0, not 1:
// two blank texts share no signal worth ranking on.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// phraseBoost rewards exact phrase hits that set-based Jaccard cannot see.
// A candidate containing the whole query verbatim outranks one that merely
// shares its words; a shared bigram earns a smaller bump.
func phraseBoost(queryWords []string, textNorm string) float64 {
	if len(queryWords) < 2 {
		return 0
	}
	if strings.Contains(textNorm, strings.Join(queryWords, " ")) {
		return 0.3
	}
	for i := 0; i+1 < len(queryWords); i++ {
		if strings.Contains(textNorm, queryWords[i]+" "+queryWords[i+1]) {
			return 0.1
		}
	}
	return 0
}

// normalizeText lowercases and collapses the text to single-spaced words so
// substring checks are insensitive to punctuation and whitespace shape.
func normalizeText(text string) string {
	return strings.Join(wordsOf(text), " ")
}

// keyConcepts returns the most frequent non-stopword terms across the given
// texts, at most limit, frequency-ranked with first appearance breaking
// ties. Short tokens carry too little meaning to retrieve on and are
// skipped.
func keyConcepts(texts []string, limit int) []string {
	counts := make(map[string]int)
	var order []string

	for _, text := range texts {
		for _, w := range wordsOf(text) {
			if len(w) < 4 || stopwords[w] {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

// unionQuery joins the deduplicated words of all parts in first-seen order.
// This is the enhanced retrieval query: original message, rewritten query,
// and key concepts folded into one term soup without repeats.
func unionQuery(parts ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range parts {
		for _, w := range wordsOf(part) {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return strings.Join(out, " ")
}

// contentDigest fingerprints candidate text for cross-pass deduplication.
func contentDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// echoesQuery reports whether nearly every word of the candidate text
// already appears in the rewritten query. Such candidates are circular:
// they restate the question instead of adding evidence, and feeding them
// back into the prompt teaches the model to parrot.
func echoesQuery(textWords []string, queryWords map[string]bool) bool {
	if len(textWords) == 0 {
		return false
	}
	inside := 0
	for _, w := range textWords {
		if queryWords[w] {
			inside++
		}
	}
	return float64(inside)/float64(len(textWords)) > 0.9
}

// conceptMatches lists which concepts occur in the text, for the evidence
// records shown to clients.
func conceptMatches(textNorm string, concepts []string) []string {
	var matches []string
	for _, c := range concepts {
		if strings.Contains(textNorm, c) {
			matches = append(matches, c)
		}
	}
	return matches
}

// mentionsAny reports whether the text contains any of the concepts,
// case-insensitively. Used to pull older history back into the window.
func mentionsAny(text string, concepts []string) bool {
	if len(concepts) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, c := range concepts {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
