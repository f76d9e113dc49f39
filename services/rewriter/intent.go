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
	"strings"
)

// queryIntent categorizes what the user is asking for. The detected intent
// biases term scoring and shapes the precise strategy.
type queryIntent string

const (
	intentDefinition  queryIntent = "definition"
	intentComparison  queryIntent = "comparison"
	intentProcedure   queryIntent = "procedure"
	intentExplanation queryIntent = "explanation"
	intentAnalysis    queryIntent = "analysis"
	intentGeneral     queryIntent = "general"
)

// intentPatterns are checked in order; the first match wins. Procedure
// outranks explanation so "how do I" is not shadowed by "how does".
var intentPatterns = []struct {
	intent  queryIntent
	pattern *regexp.Regexp
}{
	{intentDefinition, regexp.MustCompile(`(?i)^\s*(what is|what are|what's|define|definition of|meaning of)\b`)},
	{intentComparison, regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|difference between|better than|compared to|pros and cons)\b`)},
	{intentProcedure, regexp.MustCompile(`(?i)(^\s*(how to|how do i|how can i|steps to)\b|\b(guide|tutorial|walkthrough|instructions)\b)`)},
	{intentExplanation, regexp.MustCompile(`(?i)^\s*(why|how does|how did|how is|explain)\b`)},
	{intentAnalysis, regexp.MustCompile(`(?i)\b(analyze|analysis|evaluate|assess|impact of|implications of|trade-?offs?)\b`)},
}

func detectIntent(query string) queryIntent {
	for _, p := range intentPatterns {
		if p.pattern.MatchString(query) {
			return p.intent
		}
	}
	return intentGeneral
}

// =============================================================================
// Entity extraction
// =============================================================================

var (
	// capitalizedRun matches one or more capitalized words in sequence
	// ("Docker Compose", "Alaska Airlines").
	capitalizedRun = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*\b`)

	// acronym matches all-caps tokens like "HTTP" or "S3".
	acronym = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}\b`)
)

// technicalSuffixes mark nominalizations that usually name a concept worth
// keeping even in lowercase ("serialization", "deployment").
var technicalSuffixes = []string{
	"tion", "sion", "ment", "ness", "ity", "ism", "ology", "ance", "ence",
}

// extractEntities pulls entity candidates from a query: capitalized phrases,
// acronyms, and technical-suffix terms. Order follows first appearance;
// duplicates are dropped case-insensitively.
func extractEntities(query string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		key := strings.ToLower(candidate)
		if candidate == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, candidate)
	}

	for _, loc := range capitalizedRun.FindAllStringIndex(query, -1) {
		words := strings.Fields(query[loc[0]:loc[1]])
		// Question words and other capitalized stopwords lead runs like
		// "Why Docker" without being part of the entity.
		dropped := 0
		for len(words) > 0 && stopwords[strings.ToLower(words[0])] {
			words = words[1:]
			dropped++
		}
		if len(words) == 0 {
			continue
		}
		// A lone capitalized word opening the query is sentence case.
		if len(words) == 1 && loc[0] == 0 && dropped == 0 {
			continue
		}
		add(strings.Join(words, " "))
	}

	for _, a := range acronym.FindAllString(query, -1) {
		add(a)
	}

	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if len(tok) < 6 || stopwords[tok] {
			continue
		}
		for _, suffix := range technicalSuffixes {
			if strings.HasSuffix(tok, suffix) {
				add(tok)
				break
			}
		}
	}

	return out
}
