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
	"math"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// MemoryEntry ID Derivation Tests
// =============================================================================

func TestMemoryEntry_ComputeID_Deterministic(t *testing.T) {
	a := MemoryEntry{
		LosslessRestatement: "Alice proposed to Bob a meeting at Starbucks at 2025-11-16T14:00:00.",
		Timestamp:           "2025-11-16T14:00:00",
	}
	b := MemoryEntry{
		LosslessRestatement: a.LosslessRestatement,
		Timestamp:           a.Timestamp,
	}

	if a.ComputeID() != b.ComputeID() {
		t.Errorf("identical content produced different IDs: %s vs %s", a.ComputeID(), b.ComputeID())
	}
	if len(a.ComputeID()) != EntryIDHexLength {
		t.Errorf("expected %d hex chars, got %d", EntryIDHexLength, len(a.ComputeID()))
	}
}

func TestMemoryEntry_ComputeID_TimestampChangesID(t *testing.T) {
	a := MemoryEntry{LosslessRestatement: "Bob committed to preparing the materials.", Timestamp: "2025-11-15T14:30:00"}
	b := MemoryEntry{LosslessRestatement: "Bob committed to preparing the materials.", Timestamp: "2025-11-16T14:30:00"}

	if a.ComputeID() == b.ComputeID() {
		t.Error("different timestamps must produce different entry IDs")
	}
}

func TestMemoryEntry_EnsureID_PreservesExplicitID(t *testing.T) {
	explicit := strings.Repeat("ab", 16)
	e := MemoryEntry{EntryID: explicit, LosslessRestatement: "Some fact."}

	got := e.EnsureID()

	if got != explicit {
		t.Errorf("EnsureID overwrote explicit ID: got %s", got)
	}
}

func TestMemoryEntry_EnsureID_FillsEmptyID(t *testing.T) {
	e := MemoryEntry{LosslessRestatement: "Some fact.", Timestamp: "2025-01-01T00:00:00"}

	got := e.EnsureID()

	if got == "" {
		t.Fatal("EnsureID returned empty ID")
	}
	if got != e.ComputeID() {
		t.Errorf("EnsureID mismatch: got %s, want %s", got, e.ComputeID())
	}
}

// =============================================================================
// MemoryEntry Validation Tests
// =============================================================================

func TestMemoryEntry_Validate_Valid(t *testing.T) {
	e := MemoryEntry{
		TenantID:            "agent_a",
		LosslessRestatement: "Alice proposed to Bob a meeting at Starbucks at 2025-11-16T14:00:00.",
		Keywords:            []string{"meeting", "starbucks"},
		Timestamp:           "2025-11-16T14:00:00",
		Persons:             []string{"Alice", "Bob"},
		Entities:            []string{"Starbucks"},
		MemoryType:          MemoryTypeEpisodic,
	}

	if err := e.Validate(); err != nil {
		t.Errorf("expected valid entry, got: %v", err)
	}
}

func TestMemoryEntry_Validate_MissingRestatement(t *testing.T) {
	e := MemoryEntry{MemoryType: MemoryTypeEpisodic}

	if err := e.Validate(); err == nil {
		t.Error("expected error for missing restatement")
	}
}

func TestMemoryEntry_Validate_BadMemoryType(t *testing.T) {
	e := MemoryEntry{LosslessRestatement: "A fact.", MemoryType: "imaginary"}

	if err := e.Validate(); err == nil {
		t.Error("expected error for unknown memory type")
	}
}

func TestMemoryEntry_Validate_BadTimestamp(t *testing.T) {
	e := MemoryEntry{
		LosslessRestatement: "A fact.",
		MemoryType:          MemoryTypeSemantic,
		Timestamp:           "next tuesday",
	}

	if err := e.Validate(); err == nil {
		t.Error("expected error for relative timestamp")
	}
}

func TestMemoryEntry_Validate_NonUnitVector(t *testing.T) {
	e := MemoryEntry{
		LosslessRestatement: "A fact.",
		MemoryType:          MemoryTypeSemantic,
		DenseVector:         []float32{3, 4},
	}

	if err := e.Validate(); err == nil {
		t.Error("expected error for vector with norm 5")
	}
}

func TestMemoryEntry_EnsureDefaults(t *testing.T) {
	e := MemoryEntry{LosslessRestatement: "A fact."}

	e.EnsureDefaults()

	if e.MemoryType != MemoryTypeEpisodic {
		t.Errorf("expected default memory type %q, got %q", MemoryTypeEpisodic, e.MemoryType)
	}
	if e.Keywords == nil {
		t.Error("expected keywords to be non-nil after defaults")
	}
}

// =============================================================================
// Timestamp Parsing Tests
// =============================================================================

func TestParseEntryTimestamp_AcceptedLayouts(t *testing.T) {
	cases := []string{
		"2025-11-16T14:00:00",
		"2025-11-16T14:00:00Z",
		"2025-11-16T14:00:00+02:00",
		"2025-11-16 14:00:00",
		"2025-11-16",
	}
	for _, c := range cases {
		if _, err := ParseEntryTimestamp(c); err != nil {
			t.Errorf("expected %q to parse, got: %v", c, err)
		}
	}
}

func TestParseEntryTimestamp_TimezonelessIsUTC(t *testing.T) {
	got, err := ParseEntryTimestamp("2025-11-16T14:00:00")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseEntryTimestamp_Rejects(t *testing.T) {
	cases := []string{"", "   ", "tomorrow", "16/11/2025"}
	for _, c := range cases {
		if _, err := ParseEntryTimestamp(c); err == nil {
			t.Errorf("expected %q to be rejected", c)
		}
	}
}

// =============================================================================
// Vector Helper Tests
// =============================================================================

func TestNormalizeVector_ProducesUnitNorm(t *testing.T) {
	vec := NormalizeVector([]float32{3, 4})

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > UnitNormTolerance {
		t.Errorf("norm after normalization is %v, want 1.0", math.Sqrt(sum))
	}
	if err := CheckUnitNorm(vec); err != nil {
		t.Errorf("CheckUnitNorm rejected normalized vector: %v", err)
	}
}

func TestNormalizeVector_ZeroVectorUnchanged(t *testing.T) {
	vec := NormalizeVector([]float32{0, 0, 0})

	for i, v := range vec {
		if v != 0 {
			t.Errorf("zero vector mutated at index %d: %v", i, v)
		}
	}
}

func TestCheckUnitNorm_RejectsEmpty(t *testing.T) {
	if err := CheckUnitNorm(nil); err == nil {
		t.Error("expected error for empty vector")
	}
}
