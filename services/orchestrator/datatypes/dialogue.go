// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialogue is one raw utterance handed to the memory builder. Dialogues are
// transient: once the builder restates their content as memory entries they
// are not persisted anywhere.
type Dialogue struct {
	DialogueID string    `json:"dialogue_id,omitempty"`
	Speaker    string    `json:"speaker"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Validate checks the fields the builder relies on.
func (d *Dialogue) Validate() error {
	if d.Speaker == "" {
		return fmt.Errorf("dialogue validation failed: speaker is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("dialogue validation failed: content is empty")
	}
	return nil
}

// EnsureID mints a DialogueID when the caller left it empty and returns the
// identifier in effect afterwards.
func (d *Dialogue) EnsureID() string {
	if d.DialogueID == "" {
		d.DialogueID = uuid.NewString()
	}
	return d.DialogueID
}
