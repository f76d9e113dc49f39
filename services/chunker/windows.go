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

import "strings"

// SentenceWindows slides a window of `window` sentences across the text,
// each window sharing `overlap` sentences with its predecessor. Chat turns
// are persisted this way: a handful of sentences is enough context to
// retrieve on, and the overlap keeps a thought that spans a boundary
// findable from either side.
//
// Text shorter than one window comes back as a single chunk. A degenerate
// overlap (>= window) is clamped so the walk always advances.
func SentenceWindows(text string, window, overlap int) []string {
	if window <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= window {
		overlap = window - 1
	}

	sentences := splitAfter(text, sentenceEndRe)
	if len(sentences) == 1 && sentences[0] == "" {
		return nil
	}
	if len(sentences) <= window {
		joined := strings.TrimSpace(strings.Join(sentences, " "))
		if joined == "" {
			return nil
		}
		return []string{joined}
	}

	step := window - overlap
	var out []string
	for i := 0; i < len(sentences); i += step {
		end := i + window
		if end > len(sentences) {
			end = len(sentences)
		}
		out = append(out, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
	}
	return out
}
