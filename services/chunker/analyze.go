// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunker

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z-]{2,}`)

// Suffixes that mark derivational nouns; tokens carrying them usually name
// the concepts a chunk is about.
var boostedSuffixes = []string{"tion", "ment", "ity", "ology", "sion", "ness"}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "her": {},
	"was": {}, "one": {}, "our": {}, "out": {}, "has": {}, "have": {},
	"him": {}, "his": {}, "how": {}, "its": {}, "may": {}, "new": {},
	"now": {}, "old": {}, "see": {}, "two": {}, "way": {}, "who": {},
	"did": {}, "get": {}, "let": {}, "own": {}, "this": {}, "that": {},
	"with": {}, "from": {}, "they": {}, "will": {}, "would": {},
	"there": {}, "their": {}, "what": {}, "about": {}, "which": {},
	"when": {}, "were": {}, "been": {}, "more": {}, "also": {},
	"into": {}, "than": {}, "them": {}, "then": {}, "these": {},
	"some": {}, "such": {}, "only": {}, "other": {}, "over": {},
	"very": {}, "each": {}, "most": {}, "must": {}, "shall": {},
	"should": {}, "could": {}, "where": {}, "while": {}, "after": {},
	"before": {}, "between": {}, "because": {}, "under": {}, "upon": {},
	"both": {}, "being": {}, "does": {}, "given": {}, "here": {},
	"just": {}, "like": {}, "made": {}, "many": {}, "much": {},
	"same": {}, "since": {}, "still": {}, "through": {}, "using": {},
	"used": {}, "your": {}, "within": {}, "without": {}, "might": {},
}

// extractTags picks up to MaxTags content words for a chunk, ranked by
// frequency with a boost for derivational endings and capitalized tokens.
func (c *Chunker) extractTags(text string) []string {
	scores := make(map[string]float64)
	for _, token := range wordRe.FindAllString(text, -1) {
		lower := strings.ToLower(token)
		if _, stop := stopwords[lower]; stop {
			continue
		}
		weight := 1.0
		for _, suffix := range boostedSuffixes {
			if len(lower) > len(suffix)+2 && strings.HasSuffix(lower, suffix) {
				weight += 0.5
				break
			}
		}
		if startsUpper(token) {
			weight += 0.25
		}
		scores[lower] += weight
	}
	if len(scores) == 0 {
		return nil
	}

	ranked := make([]string, 0, len(scores))
	for word := range scores {
		ranked = append(ranked, word)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] == scores[ranked[j]] {
			return ranked[i] < ranked[j]
		}
		return scores[ranked[i]] > scores[ranked[j]]
	})
	if len(ranked) > c.cfg.MaxTags {
		ranked = ranked[:c.cfg.MaxTags]
	}
	return ranked
}

// Characters that signal formulas or inline math.
const formulaChars = "=+−*/^<>≤≥±≈~∑∏∫√∂∇|\\_{}$`%"

var unitTokenRe = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:mm|cm|km|kg|mg|µs|ns|ms|hz|khz|mhz|ghz|kb|mb|gb|tb|mol|kcal|psi|rpm|px|dpi|°c|°f)\b`)

// density scores technical content: digits, formula characters, and unit
// tokens per 100 characters of text. Prose lands near zero; equations and
// tables score well above the split threshold.
func density(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	indicators := 0
	for _, r := range text {
		if unicode.IsDigit(r) || strings.ContainsRune(formulaChars, r) {
			indicators++
		}
	}
	indicators += 2 * len(unitTokenRe.FindAllString(text, -1))
	return float64(indicators) * 100 / float64(len(text))
}
