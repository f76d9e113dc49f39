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
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Research Assistant", "research_assistant"},
		{"punctuation collapses", "My--Agent!!", "my_agent"},
		{"leading and trailing junk", "  ***Agent***  ", "agent"},
		{"digits survive", "agent 2", "agent_2"},
		{"already clean", "support", "support"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewAgentID_CarriesSlugAndSuffix(t *testing.T) {
	id, err := NewAgentID("research_assistant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(id, "research_assistant_") {
		t.Errorf("expected slug prefix, got %s", id)
	}
	if len(id) != len("research_assistant_")+8 {
		t.Errorf("expected 8 hex suffix chars, got %s", id)
	}
}

func TestNewAgentID_EmptySlugFallsBack(t *testing.T) {
	id, err := NewAgentID("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(id, "agent_") {
		t.Errorf("expected fallback prefix, got %s", id)
	}
}

func TestNewAgentID_Unique(t *testing.T) {
	a, _ := NewAgentID("x")
	b, _ := NewAgentID("x")

	if a == b {
		t.Error("two generated agent IDs collided")
	}
}

func TestAgent_Validate(t *testing.T) {
	valid := Agent{AgentID: "a_1", UserID: "u1", AgentName: "A", Status: AgentStatusActive}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid agent, got: %v", err)
	}

	bad := valid
	bad.Status = "archived"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown status")
	}

	noName := valid
	noName.AgentName = "   "
	if err := noName.Validate(); err == nil {
		t.Error("expected error for blank name")
	}
}
