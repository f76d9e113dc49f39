// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the memory service.
//
// This file contains the atomic memory entry model. Entries are the minimal
// self-contained units produced by the memory builder and stored per tenant
// in the vector store. For retrieval result types, see retrieval.go.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Memory Type Constants
// =============================================================================

const (
	// MemoryTypeEpisodic marks entries describing specific events that
	// happened at a specific time ("Alice met Bob at Starbucks").
	MemoryTypeEpisodic = "episodic"

	// MemoryTypeSemantic marks entries describing stable facts or
	// preferences ("Alice prefers oat milk").
	MemoryTypeSemantic = "semantic"

	// MemoryTypeProcedural marks entries describing how to do something
	// ("Deployments require a green CI run before merge").
	MemoryTypeProcedural = "procedural"

	// MemoryTypeWorking marks short-lived scratch entries that are subject
	// to TTL cleanup and never promoted automatically.
	MemoryTypeWorking = "working"
)

const (
	// EntryIDHexLength is the length of a derived entry identifier: the
	// first 32 hex characters of the SHA-256 content digest.
	EntryIDHexLength = 32

	// MaxRestatementBytes bounds a single restatement. Entries are single
	// sentences; anything near this limit indicates a builder bug upstream.
	MaxRestatementBytes = 8 * 1024

	// MaxEntryKeywords bounds the keyword set on one entry.
	MaxEntryKeywords = 32

	// UnitNormTolerance is the allowed deviation of a stored dense vector's
	// L2 norm from 1.0.
	UnitNormTolerance = 1e-4
)

// entryTimestampLayouts lists the accepted shapes for the entry timestamp
// field, most specific first. The builder emits timezone-less ISO-8601; API
// callers may send RFC3339.
var entryTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var entryValidate *validator.Validate

func init() {
	entryValidate = validator.New()
	if err := entryValidate.RegisterValidation("isotime", validateISOTime); err != nil {
		panic(fmt.Sprintf("failed to register isotime validator: %v", err))
	}
}

// validateISOTime accepts any of the entryTimestampLayouts shapes.
func validateISOTime(fl validator.FieldLevel) bool {
	_, err := ParseEntryTimestamp(fl.Field().String())
	return err == nil
}

// =============================================================================
// Memory Entry
// =============================================================================

// MemoryEntry is one atomic unit of agent memory.
//
// # Description
//
// An entry restates a fragment of dialogue (or an ingested document chunk) as
// a single self-contained sentence with every pronoun resolved and every
// relative time reference converted to an absolute timestamp. Entries are
// immutable once written: corrections go through an explicit update or a
// delete-and-readd, never in-place mutation of stored state.
//
// # Fields
//
//   - EntryID: derived identifier, first 32 hex chars of
//     SHA-256(restatement + "|" + timestamp). Stable across re-ingestion of
//     identical content, which makes add idempotent at the store layer.
//   - TenantID: the owning collection. Entries never cross tenants.
//   - LosslessRestatement: the sentence itself.
//   - Keywords: unordered search terms extracted by the builder.
//   - Timestamp: the moment the entry refers to (not the write time),
//     ISO-8601, optional.
//   - Location, Topic: optional free-text facets.
//   - Persons, Entities: proper nouns mentioned by the restatement.
//   - MemoryType: one of the MemoryType* constants.
//   - Source: where the entry came from: "dialogue", an ingested document
//     path, or the name of the tool that stored it. Optional.
//   - DenseVector: unit-norm embedding; populated by the embedding client
//     just before persistence, empty on the wire otherwise.
//
// # Thread Safety
//
// MemoryEntry is a value type; callers must not share a pointer across
// goroutines while mutating it.
type MemoryEntry struct {
	EntryID             string    `json:"entry_id,omitempty" validate:"omitempty,hexadecimal,len=32"`
	TenantID            string    `json:"tenant_id,omitempty"`
	LosslessRestatement string    `json:"lossless_restatement" validate:"required,min=1"`
	Keywords            []string  `json:"keywords,omitempty" validate:"omitempty,max=32,dive,min=1"`
	Timestamp           string    `json:"timestamp,omitempty" validate:"omitempty,isotime"`
	Location            string    `json:"location,omitempty"`
	Topic               string    `json:"topic,omitempty"`
	Persons             []string  `json:"persons,omitempty"`
	Entities            []string  `json:"entities,omitempty"`
	MemoryType          string    `json:"memory_type" validate:"required,oneof=episodic semantic procedural working"`
	Source              string    `json:"source,omitempty"`
	DenseVector         []float32 `json:"dense_vector,omitempty"`
}

// ComputeID derives the content-addressed identifier for this entry.
//
// The digest covers the restatement and the timestamp it refers to, so two
// entries restating the same fact about the same moment collide on purpose
// and upsert instead of duplicating.
func (e *MemoryEntry) ComputeID() string {
	sum := sha256.Sum256([]byte(e.LosslessRestatement + "|" + e.Timestamp))
	return hex.EncodeToString(sum[:])[:EntryIDHexLength]
}

// EnsureID populates EntryID from ComputeID when the caller left it empty.
// It returns the identifier in effect afterwards.
func (e *MemoryEntry) EnsureID() string {
	if e.EntryID == "" {
		e.EntryID = e.ComputeID()
	}
	return e.EntryID
}

// Validate checks structural constraints on the entry.
//
// # Outputs
//
//   - nil when the entry is well-formed.
//   - A descriptive error naming the first violated constraint otherwise.
func (e *MemoryEntry) Validate() error {
	if err := entryValidate.Struct(e); err != nil {
		return fmt.Errorf("memory entry validation failed: %w", err)
	}
	if len(e.LosslessRestatement) > MaxRestatementBytes {
		return fmt.Errorf("memory entry validation failed: restatement exceeds %d bytes", MaxRestatementBytes)
	}
	if len(e.DenseVector) > 0 {
		if err := CheckUnitNorm(e.DenseVector); err != nil {
			return fmt.Errorf("memory entry validation failed: %w", err)
		}
	}
	return nil
}

// EnsureDefaults fills zero-valued fields that have safe defaults. It does
// not touch EntryID; use EnsureID for that.
func (e *MemoryEntry) EnsureDefaults() {
	if e.MemoryType == "" {
		e.MemoryType = MemoryTypeEpisodic
	}
	if e.Keywords == nil {
		e.Keywords = []string{}
	}
}

// ReferenceTime parses the entry's Timestamp field. The boolean is false when
// the field is empty or unparseable.
func (e *MemoryEntry) ReferenceTime() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := ParseEntryTimestamp(e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// =============================================================================
// Helpers
// =============================================================================

// ParseEntryTimestamp parses an entry timestamp in any accepted layout.
// Timezone-less values are interpreted as UTC.
func ParseEntryTimestamp(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range entryTimestampLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// CheckUnitNorm verifies that a vector's L2 norm is within UnitNormTolerance
// of 1.0. Empty vectors are rejected.
func CheckUnitNorm(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector")
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1.0) > UnitNormTolerance {
		return fmt.Errorf("vector L2 norm %.6f is not unit length", norm)
	}
	return nil
}

// NormalizeVector scales a vector to unit L2 norm in place and returns it.
// Zero vectors are returned unchanged; callers treat those as upstream
// failures.
func NormalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
