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

	"github.com/tmc/langchaingo/textsplitter"
)

var (
	sentenceEndRe = regexp.MustCompile(`[.!?]+["')\]]*\s+`)
	clauseEndRe   = regexp.MustCompile(`[;:,]\s+|\n`)
)

var hardCutSeparators = []string{"\n\n", "\n", " ", ""}

// splitSegment cuts one oversized segment into pieces of at most size
// characters. Sentences are the preferred unit; a sentence that alone
// exceeds the size falls back to clauses, and a clause that still exceeds
// it goes to the recursive character splitter as the hard cut. The pieces
// are then packed back up to size with an overlap tail between neighbours.
func (c *Chunker) splitSegment(text string, size int) ([]string, error) {
	var units []string
	for _, sentence := range splitAfter(text, sentenceEndRe) {
		if len(sentence) <= size {
			units = append(units, sentence)
			continue
		}
		for _, clause := range splitAfter(sentence, clauseEndRe) {
			if len(clause) <= size {
				units = append(units, clause)
				continue
			}
			hard, err := c.hardCut(clause, size)
			if err != nil {
				return nil, err
			}
			units = append(units, hard...)
		}
	}
	return c.packUnits(units, size), nil
}

// hardCut is the last cascade stage: a recursive character split that always
// fits the size, even mid-word.
func (c *Chunker) hardCut(text string, size int) ([]string, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(c.cfg.Overlap),
		textsplitter.WithSeparators(hardCutSeparators),
	)
	return splitter.SplitText(text)
}

// splitAfter breaks text after every match of re, keeping the delimiter with
// the piece before it.
func splitAfter(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	var parts []string
	prev := 0
	for _, loc := range locs {
		if piece := strings.TrimSpace(text[prev:loc[1]]); piece != "" {
			parts = append(parts, piece)
		}
		prev = loc[1]
	}
	if piece := strings.TrimSpace(text[prev:]); piece != "" {
		parts = append(parts, piece)
	}
	return parts
}

// packUnits greedily joins units into chunks of at most size characters,
// seeding each new chunk with the tail of the previous one so neighbours
// share roughly Overlap characters of context.
func (c *Chunker) packUnits(units []string, size int) []string {
	var out []string
	var cur strings.Builder
	for _, unit := range units {
		if cur.Len() > 0 && cur.Len()+1+len(unit) > size {
			chunk := strings.TrimSpace(cur.String())
			if chunk != "" {
				out = append(out, chunk)
			}
			cur.Reset()
			if tail := overlapTail(chunk, c.cfg.Overlap); tail != "" {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(unit)
	}
	if chunk := strings.TrimSpace(cur.String()); chunk != "" {
		out = append(out, chunk)
	}
	return out
}

// overlapTail returns roughly the last n characters of text, advanced to the
// next word boundary so the overlap never starts mid-word.
func overlapTail(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return ""
	}
	cut := len(text) - n
	if idx := strings.IndexByte(text[cut:], ' '); idx >= 0 {
		cut += idx + 1
	} else {
		return ""
	}
	if cut >= len(text) {
		return ""
	}
	return text[cut:]
}
