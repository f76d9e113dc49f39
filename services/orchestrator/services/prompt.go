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
	"fmt"
	"regexp"
	"strings"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/rewriter"
)

// =============================================================================
// Prompt Assembly
// =============================================================================

var (
	multiNewlineRe = regexp.MustCompile(`\n{2,}`)
	controlCharsRe = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// sanitizeForPrompt flattens retrieved text and user content into a single
// line safe to embed inside the prompt: paragraph breaks become spaces and
// control characters are stripped so injected newlines cannot forge extra
// prompt sections.
func sanitizeForPrompt(text string) string {
	text = multiNewlineRe.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = controlCharsRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

const (
	precisePreamble = `You are a document-grounded assistant. You MUST ONLY answer from the context provided below.
If the context does not contain the answer, say you do not have that information. Do not speculate and do not fall back on general knowledge.`

	balancedPreamble = `You are a helpful assistant with access to the user's memory. Prefer the context provided below when it is relevant.
If the context does not help, say so, then answer from general knowledge.`

	creativePreamble = `You are a helpful assistant with access to the user's memory. Use the context provided below as inspiration and extrapolate freely beyond it.
Clearly mark anything speculative as such.`

	noContextPreamble = `You are a helpful assistant. Answer the user's question directly.`
)

// Prompt flattens a turn's context into the single completion prompt the
// model backend consumes. The instruction block varies by mode, the
// evidence block is present only when retrieval found something, and the
// history transcript precedes the current message.
func (s *ChatRetrievalService) Prompt(tc *TurnContext, message, mode string) string {
	var b strings.Builder

	b.WriteString(preambleFor(mode, len(tc.Evidence) > 0))
	b.WriteString("\n")

	if len(tc.Evidence) > 0 {
		b.WriteString("\nContext:\n")
		for i, se := range tc.Evidence {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, sanitizeForPrompt(se.Entry.LosslessRestatement))
		}
	}

	if len(tc.History) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range tc.History {
			// Persisted messages speak human/llm; the prompt speaks
			// User/Assistant. Notes never reach the transcript.
			role := "Assistant"
			if m.Role == datatypes.RoleHuman {
				role = "User"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, sanitizeForPrompt(m.Content))
		}
	}

	fmt.Fprintf(&b, "\nUser: %s\nAssistant:", sanitizeForPrompt(message))
	return b.String()
}

// preambleFor picks the instruction block. Precise mode without evidence
// still forbids invention; the other modes fall back to a plain assistant
// preamble when there is nothing to ground on.
func preambleFor(mode string, hasEvidence bool) string {
	switch rewriter.Mode(mode) {
	case rewriter.ModePrecise:
		return precisePreamble
	case rewriter.ModeCreative, rewriter.ModeExpansive:
		if !hasEvidence {
			return noContextPreamble
		}
		return creativePreamble
	default:
		if !hasEvidence {
			return noContextPreamble
		}
		return balancedPreamble
	}
}
