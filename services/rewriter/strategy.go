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
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// preciseTokenLimit caps the precise strategy's output.
	preciseTokenLimit = 10

	// balancedMinTokens is the floor under which balanced pads the query
	// with top-scored terms.
	balancedMinTokens = 4

	// creativeTermCount is how many scored terms the creative strategy
	// appends after its prefix.
	creativeTermCount = 8

	// creativePrefix widens recall for exploratory retrieval.
	creativePrefix = "overview examples applications"

	// expansiveIdealTokens is the token count the expansive length score
	// peaks at.
	expansiveIdealTokens = 9
)

// rewritePrecise builds a tight entity-forward query: entity words first,
// top-scored terms after, at most preciseTokenLimit tokens.
func rewritePrecise(entities []string, terms []scoredTerm) string {
	var tokens []string
	seen := make(map[string]bool)
	push := func(word string) bool {
		key := strings.ToLower(word)
		if seen[key] {
			return true
		}
		if len(tokens) >= preciseTokenLimit {
			return false
		}
		seen[key] = true
		tokens = append(tokens, word)
		return true
	}

	for _, e := range entities {
		for _, word := range strings.Fields(e) {
			if !push(word) {
				return strings.Join(tokens, " ")
			}
		}
	}
	for _, t := range terms {
		if !push(t.term) {
			break
		}
	}
	return strings.Join(tokens, " ")
}

// rewriteBalanced keeps the cleaned query and pads it with top terms when it
// is too short to retrieve well.
func rewriteBalanced(pre string, terms []scoredTerm) string {
	tokens := strings.Fields(pre)
	if len(tokens) >= balancedMinTokens {
		return pre
	}
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		seen[strings.ToLower(tok)] = true
	}
	for _, t := range terms {
		if len(tokens) >= balancedMinTokens {
			break
		}
		if seen[t.term] {
			continue
		}
		seen[t.term] = true
		tokens = append(tokens, t.term)
	}
	return strings.Join(tokens, " ")
}

// rewriteCreative prepends an exploratory prefix to the top scored terms.
func rewriteCreative(pre string, terms []scoredTerm) string {
	if len(terms) == 0 {
		return pre
	}
	n := creativeTermCount
	if n > len(terms) {
		n = len(terms)
	}
	words := make([]string, 0, n+1)
	words = append(words, creativePrefix)
	for _, t := range terms[:n] {
		words = append(words, t.term)
	}
	return strings.Join(words, " ")
}

// rewriteExpansive builds candidate variations and keeps the one maximizing
// length score plus term coverage. Candidates are evaluated in build order,
// so equal scores keep the earlier, simpler variation.
func rewriteExpansive(pre string, entities []string, terms []scoredTerm, keyConcepts []string) string {
	candidates := []string{pre}

	if padded := padWithTerms(pre, terms, 5); padded != pre {
		candidates = append(candidates, padded)
	}
	if len(entities) > 0 {
		entityWords := make([]string, 0, len(entities))
		for _, e := range entities {
			entityWords = append(entityWords, strings.Fields(e)...)
		}
		candidates = append(candidates, padWithTerms(strings.Join(entityWords, " "), terms, 8))
	}
	if len(keyConcepts) > 0 {
		candidates = append(candidates, dedupWords(pre+" "+strings.Join(keyConcepts, " ")))
	}

	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		if s := lengthScore(c) + termCoverage(c, terms); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}

// padWithTerms appends up to n top-scored terms missing from the text.
func padWithTerms(text string, terms []scoredTerm, n int) string {
	tokens := strings.Fields(text)
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		seen[strings.ToLower(tok)] = true
	}
	added := 0
	for _, t := range terms {
		if added >= n {
			break
		}
		if seen[t.term] {
			continue
		}
		seen[t.term] = true
		tokens = append(tokens, t.term)
		added++
	}
	return strings.Join(tokens, " ")
}

// dedupWords removes repeated words case-insensitively, keeping first
// occurrences in order.
func dedupWords(text string) string {
	var out []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(text) {
		key := strings.ToLower(word)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, word)
	}
	return strings.Join(out, " ")
}

// lengthScore peaks at expansiveIdealTokens and falls off linearly to zero.
func lengthScore(text string) float64 {
	n := float64(len(strings.Fields(text)))
	score := 1 - math.Abs(n-expansiveIdealTokens)/expansiveIdealTokens
	if score < 0 {
		return 0
	}
	return score
}

// termCoverage is the fraction of the top scored terms present in the text.
func termCoverage(text string, terms []scoredTerm) float64 {
	n := creativeTermCount
	if n > len(terms) {
		n = len(terms)
	}
	if n == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		present[tok] = true
	}
	hits := 0
	for _, t := range terms[:n] {
		if present[t.term] {
			hits++
		}
	}
	return float64(hits) / float64(n)
}

// acceptable rejects rewrites too short or degenerate to use: fewer than
// three characters, or any rune repeated four or more times in a row.
func acceptable(result string) bool {
	trimmed := strings.TrimSpace(result)
	if utf8.RuneCountInString(trimmed) < 3 {
		return false
	}
	var prev rune
	run := 0
	for _, r := range trimmed {
		if r == prev {
			run++
			if run >= 4 {
				return false
			}
		} else {
			prev = r
			run = 1
		}
	}
	return true
}
