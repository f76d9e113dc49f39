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
	"strings"
	"testing"
	"time"
)

func TestDialogue_Validate_AcceptsComplete(t *testing.T) {
	d := Dialogue{
		Speaker:   "alice",
		Content:   "I met Bob at Starbucks yesterday",
		Timestamp: time.Now(),
	}
	if err := d.Validate(); err != nil {
		t.Errorf("complete dialogue rejected: %v", err)
	}
}

func TestDialogue_Validate_RequiresSpeaker(t *testing.T) {
	d := Dialogue{Content: "hello"}
	err := d.Validate()
	if err == nil {
		t.Fatal("expected error for missing speaker")
	}
	if !strings.Contains(err.Error(), "speaker is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDialogue_Validate_RequiresContent(t *testing.T) {
	d := Dialogue{Speaker: "alice", Content: "   "}
	err := d.Validate()
	if err == nil {
		t.Fatal("expected error for blank content")
	}
	if !strings.Contains(err.Error(), "content is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDialogue_EnsureID_MintsOnce(t *testing.T) {
	d := Dialogue{Speaker: "alice", Content: "hello"}

	first := d.EnsureID()
	if first == "" {
		t.Fatal("EnsureID returned empty identifier")
	}
	if second := d.EnsureID(); second != first {
		t.Errorf("EnsureID replaced existing ID: %s vs %s", second, first)
	}
}
