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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCleanTextRepairsArtifacts verifies PDF extraction damage is undone.
func TestCleanTextRepairsArtifacts(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "cid markers removed",
			in:   "Hello (cid:12) world (cid:3)",
			want: "Hello world",
		},
		{
			name: "ligatures expanded",
			in:   "An eﬃcient ﬁne-grained oﬀset",
			want: "An efficient fine-grained offset",
		},
		{
			name: "hyphenated line break rejoined",
			in:   "a clear restate-\nment of the claim",
			want: "a clear restatement of the claim",
		},
		{
			name: "carriage returns normalized",
			in:   "one\r\ntwo\rthree",
			want: "one\ntwo\nthree",
		},
		{
			name: "space runs collapsed",
			in:   "too   many\t\tspaces",
			want: "too many spaces",
		},
		{
			name: "trailing spaces stripped",
			in:   "line one   \nline two",
			want: "line one\nline two",
		},
		{
			name: "blank runs collapsed to paragraph break",
			in:   "alpha\n\n\n\n\nbeta",
			want: "alpha\n\nbeta",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  \n body \n ",
			want: "body",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanText(tc.in))
		})
	}
}

// TestCleanTextProtectsSpans verifies code, math, and citations pass through
// cleanup byte for byte.
func TestCleanTextProtectsSpans(t *testing.T) {
	t.Run("code fence keeps cid text", func(t *testing.T) {
		in := "before\n```\nraw (cid:5) stays\n```\nafter (cid:5) goes"
		out := cleanText(in)
		assert.Contains(t, out, "raw (cid:5) stays")
		assert.Contains(t, out, "after goes")
	})

	t.Run("inline math keeps internal spacing", func(t *testing.T) {
		in := "sum   of $x  +  y$ over   n"
		out := cleanText(in)
		assert.Equal(t, "sum of $x  +  y$ over n", out)
	})

	t.Run("display math survives", func(t *testing.T) {
		in := "Consider\n$$\nE = mc^2   \n$$\nas usual"
		out := cleanText(in)
		assert.Contains(t, out, "$$\nE = mc^2   \n$$")
	})

	t.Run("citations keep their spacing", func(t *testing.T) {
		in := "shown in [1,  2] and (Smith,  2020)"
		out := cleanText(in)
		assert.Contains(t, out, "[1,  2]")
		assert.Contains(t, out, "(Smith,  2020)")
	})
}

// TestProtectRestoreRoundTrip verifies placeholders vanish after restore.
func TestProtectRestoreRoundTrip(t *testing.T) {
	in := "alpha $a+b$ beta ```code``` gamma [3] delta"
	protected, ps := protect(in)
	assert.NotContains(t, protected, "$a+b$")
	assert.NotContains(t, protected, "```code```")
	assert.Contains(t, protected, placeholderMark)

	restored := ps.restore(protected)
	assert.Equal(t, in, restored)
	assert.NotContains(t, restored, placeholderMark)
}
