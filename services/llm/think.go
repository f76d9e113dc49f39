// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import "strings"

// thinkCloseTag closes the reasoning block emitted by thinking models that
// inline their chain of thought in the response body.
const thinkCloseTag = "</think>"

// ExtractAfterThink returns the text after the first thinking block.
//
// # Description
//
// Reasoning-exposing models prepend `<think>...</think>` to their answer.
// This returns the suffix after the first closing tag so downstream
// consumers (memory extraction, JSON parsing) only see the answer. Text
// without the tag is returned unchanged.
func ExtractAfterThink(text string) string {
	if idx := strings.Index(text, thinkCloseTag); idx >= 0 {
		return text[idx+len(thinkCloseTag):]
	}
	return text
}
