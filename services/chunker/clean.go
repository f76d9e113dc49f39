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
	"fmt"
	"regexp"
	"strings"
)

// Spans that must survive cleanup untouched: fenced code, display and inline
// math, numeric citations, and author-year citations. Display math before
// inline so $$...$$ is not eaten as two inline blocks.
var protectedSpanRes = []*regexp.Regexp{
	regexp.MustCompile("(?s)```.*?```"),
	regexp.MustCompile(`(?s)\$\$.+?\$\$`),
	regexp.MustCompile(`\$[^$\n]+\$`),
	regexp.MustCompile(`\[\d+(?:\s*,\s*\d+)*\]`),
	regexp.MustCompile(`\([A-Z][A-Za-z-]+(?:\s+(?:et al\.?|&\s*[A-Z][A-Za-z-]+|and\s+[A-Z][A-Za-z-]+))?,\s*\d{4}[a-z]?\)`),
}

var (
	cidRe         = regexp.MustCompile(`\(cid:\d+\)`)
	hyphenBreakRe = regexp.MustCompile(`([A-Za-z])-\n([a-z])`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)
	lineTrailRe   = regexp.MustCompile(`[ \t]+\n`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// Ligatures that PDF extraction commonly leaves behind.
var ligatureReplacer = strings.NewReplacer(
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬀ", "ff",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"ﬅ", "ft",
	"ﬆ", "st",
)

// placeholderMark delimits protected-span tokens. NUL never appears in
// extracted text, so the tokens cannot collide with content.
const placeholderMark = "\x00"

type placeholderSet struct {
	spans []string
}

func (p *placeholderSet) token(i int) string {
	return fmt.Sprintf("%sPH%d%s", placeholderMark, i, placeholderMark)
}

// protect swaps protected spans for opaque tokens so the repair and
// normalization passes cannot alter them.
func protect(text string) (string, *placeholderSet) {
	ps := &placeholderSet{}
	for _, re := range protectedSpanRes {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			ps.spans = append(ps.spans, m)
			return ps.token(len(ps.spans) - 1)
		})
	}
	return text, ps
}

// restore puts the protected spans back.
func (p *placeholderSet) restore(text string) string {
	for i := len(p.spans) - 1; i >= 0; i-- {
		text = strings.Replace(text, p.token(i), p.spans[i], 1)
	}
	return text
}

// cleanText repairs extraction artifacts and normalizes whitespace, keeping
// protected spans byte-identical throughout.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text, ps := protect(text)

	text = cidRe.ReplaceAllString(text, "")
	text = ligatureReplacer.Replace(text)
	// "restate-\nment" was one word before the PDF line break.
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")

	text = lineTrailRe.ReplaceAllString(text, "\n")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(ps.restore(text))
}
