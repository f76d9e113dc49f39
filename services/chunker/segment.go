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
	"strings"
	"unicode"
)

type boundaryType int

const (
	boundaryNone boundaryType = iota
	boundaryNumberedHeading
	boundaryMarkdownHeading
	boundaryUpperHeading
	boundaryQA
	boundaryListItem
	boundaryParagraph
)

// segment is a half-open byte range of the cleaned text that opens at one
// semantic boundary and runs to the next.
type segment struct {
	start, end int
	kind       boundaryType
	level      int
	title      string
}

// maxHeadingLen is the longest line still treated as a section header.
const maxHeadingLen = 80

var (
	numberedHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(\S.*)$`)
	markdownHeadingRe = regexp.MustCompile(`^(#{1,6})\s+(\S.*)$`)
	qaMarkerRe        = regexp.MustCompile(`^(Question|Answer|Solution|Problem|Example|Exercise)\b\s*\d*\s*[:.]`)
	listItemRe        = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
)

// classifyLine decides whether a line opens a new segment, and with which
// boundary. Single-level "1." lines are headings only when they look like
// one (short, capitalized); otherwise they are list items.
func classifyLine(text string) (boundaryType, int, string) {
	trimmed := strings.TrimSpace(text)

	if m := markdownHeadingRe.FindStringSubmatch(trimmed); m != nil {
		return boundaryMarkdownHeading, len(m[1]), strings.TrimSpace(m[2])
	}
	if m := numberedHeadingRe.FindStringSubmatch(trimmed); m != nil {
		level := strings.Count(m[1], ".") + 1
		title := strings.TrimSpace(m[2])
		looksLikeHeading := level > 1 ||
			(len(title) <= maxHeadingLen && startsUpper(title) && !strings.HasSuffix(title, ","))
		if looksLikeHeading {
			return boundaryNumberedHeading, level, title
		}
		return boundaryListItem, 0, ""
	}
	if qaMarkerRe.MatchString(trimmed) {
		return boundaryQA, 2, ""
	}
	if listItemRe.MatchString(trimmed) {
		return boundaryListItem, 0, ""
	}
	if isUpperHeading(trimmed) {
		return boundaryUpperHeading, 1, trimmed
	}
	return boundaryNone, 0, ""
}

// isUpperHeading reports whether a line reads as an ALL-CAPS section header:
// short, at least three capitals, and no lowercase at all.
func isUpperHeading(trimmed string) bool {
	if len(trimmed) < 4 || len(trimmed) > maxHeadingLen {
		return false
	}
	uppers := 0
	for _, r := range trimmed {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			uppers++
		}
	}
	return uppers >= 3
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func isHeading(kind boundaryType) bool {
	switch kind {
	case boundaryNumberedHeading, boundaryMarkdownHeading, boundaryUpperHeading:
		return true
	}
	return false
}

// detectSegments walks the cleaned text line by line and opens a new segment
// at every boundary: explicit markers and blank-line paragraph breaks. Each
// segment inherits the most recent heading as its title.
func detectSegments(text string) []segment {
	var segs []segment
	var open *segment
	currentTitle := ""
	prevBlank := false

	flush := func(end int) {
		if open != nil && end > open.start {
			open.end = end
			segs = append(segs, *open)
		}
		open = nil
	}

	offset := 0
	for offset <= len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		var next int
		if lineEnd < 0 {
			lineEnd = len(text)
			next = len(text) + 1
		} else {
			lineEnd += offset
			next = lineEnd + 1
		}
		line := text[offset:lineEnd]

		if strings.TrimSpace(line) == "" {
			prevBlank = true
			offset = next
			continue
		}

		kind, level, title := classifyLine(line)
		switch {
		case kind != boundaryNone:
			flush(offset)
			if title != "" {
				currentTitle = title
			}
			open = &segment{start: offset, kind: kind, level: level, title: currentTitle}
		case prevBlank || open == nil:
			flush(offset)
			open = &segment{start: offset, kind: boundaryParagraph, title: currentTitle}
		}
		prevBlank = false
		offset = next
	}
	flush(len(text))
	return segs
}

// refineSegments merges fragments that are too small to stand alone: a small
// non-heading segment joins the section before it, and a small heading pulls
// its body up into itself. Heading boundaries are never crossed backwards.
func (c *Chunker) refineSegments(text string, segs []segment) []segment {
	var out []segment
	for _, seg := range segs {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			prevLen := segLen(text, *prev)
			curLen := segLen(text, seg)
			if (curLen < c.cfg.MinChunkSize && !isHeading(seg.kind)) ||
				(prevLen < c.cfg.MinChunkSize && isHeading(prev.kind) && !isHeading(seg.kind)) {
				prev.end = seg.end
				continue
			}
		}
		out = append(out, seg)
	}
	return out
}

func segLen(text string, seg segment) int {
	return len(strings.TrimSpace(text[seg.start:seg.end]))
}
