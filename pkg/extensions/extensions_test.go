// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockAuthProvider returns a fixed identity, for option-plumbing tests.
type mockAuthProvider struct {
	userID string
}

func (m *mockAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: m.userID}, nil
}

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.AuthProvider == nil {
		t.Error("DefaultOptions().AuthProvider should not be nil")
	}
	if opts.AuthzProvider == nil {
		t.Error("DefaultOptions().AuthzProvider should not be nil")
	}
	if opts.AuditLogger == nil {
		t.Error("DefaultOptions().AuditLogger should not be nil")
	}
	if opts.MessageFilter == nil {
		t.Error("DefaultOptions().MessageFilter should not be nil")
	}
	if opts.DataClassifier == nil {
		t.Error("DefaultOptions().DataClassifier should not be nil")
	}

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
	if _, ok := opts.MessageFilter.(*NopMessageFilter); !ok {
		t.Error("DefaultOptions().MessageFilter should be *NopMessageFilter")
	}
	if _, ok := opts.DataClassifier.(*NopDataClassifier); !ok {
		t.Error("DefaultOptions().DataClassifier should be *NopDataClassifier")
	}
}

func TestServiceOptions_WithAuth(t *testing.T) {
	original := DefaultOptions()
	customAuth := &mockAuthProvider{userID: "custom-user"}

	newOpts := original.WithAuth(customAuth)

	if newOpts.AuthProvider != customAuth {
		t.Error("WithAuth should set the custom AuthProvider")
	}
	// Original should be unchanged (value-receiver copy).
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("Original options should be unchanged after WithAuth")
	}
	// Other fields are preserved.
	if newOpts.AuthzProvider == nil || newOpts.AuditLogger == nil || newOpts.MessageFilter == nil {
		t.Error("WithAuth should preserve the other extension points")
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	customAuth := &mockAuthProvider{userID: "u"}

	opts := DefaultOptions().
		WithAuth(customAuth).
		WithAudit(&NopAuditLogger{}).
		WithFilter(&NopMessageFilter{}).
		WithClassifier(&NopDataClassifier{})

	if opts.AuthProvider != customAuth {
		t.Error("chained WithAuth lost the custom provider")
	}
}

// ============================================================================
// AuthInfo Tests
// ============================================================================

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u1", Roles: []string{"admin", "operator"}}

	if !info.HasRole("admin") {
		t.Error("expected admin role to be present")
	}
	if info.HasRole("viewer") {
		t.Error("expected viewer role to be absent")
	}
}

func TestAuthInfo_HasPermission(t *testing.T) {
	unrestricted := &AuthInfo{UserID: "u1"}
	if !unrestricted.HasPermission("search_memory") {
		t.Error("empty permission list must grant everything")
	}

	scoped := &AuthInfo{UserID: "u1", Permissions: []string{"search_memory"}}
	if !scoped.HasPermission("search_memory") {
		t.Error("expected named permission to be granted")
	}
	if scoped.HasPermission("delete_agent") {
		t.Error("expected unnamed permission to be denied")
	}

	wildcard := &AuthInfo{UserID: "u1", Permissions: []string{"*"}}
	if !wildcard.HasPermission("anything") {
		t.Error("wildcard must grant everything")
	}
}

func TestNopAuthProvider_AlwaysValid(t *testing.T) {
	provider := &NopAuthProvider{}

	info, err := provider.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.UserID != "local-user" {
		t.Errorf("expected local-user, got %s", info.UserID)
	}
	if !info.HasRole("admin") {
		t.Error("local user should have admin role")
	}
}

func TestNopAuthzProvider_AlwaysAllows(t *testing.T) {
	provider := &NopAuthzProvider{}

	err := provider.Authorize(context.Background(), AuthzRequest{
		User:         &AuthInfo{UserID: "anyone"},
		Action:       "delete",
		ResourceType: "agent",
	})
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestErrRateLimited_Distinct(t *testing.T) {
	if errors.Is(ErrRateLimited, ErrUnauthorized) {
		t.Error("rate-limit and auth errors must be distinguishable")
	}
}

// ============================================================================
// Nop Filter Tests
// ============================================================================

func TestNopMessageFilter_PassesThrough(t *testing.T) {
	filter := &NopMessageFilter{}
	msg := "My SSN is 123-45-6789"

	for name, fn := range map[string]func(context.Context, string) (*FilterResult, error){
		"input":   filter.FilterInput,
		"output":  filter.FilterOutput,
		"context": filter.FilterContext,
	} {
		result, err := fn(context.Background(), msg)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if result.Filtered != msg {
			t.Errorf("%s: message modified: %q", name, result.Filtered)
		}
		if result.WasModified || result.WasBlocked {
			t.Errorf("%s: nop filter must never modify or block", name)
		}
	}
}

// ============================================================================
// Nop Classifier Tests
// ============================================================================

func TestNopDataClassifier_AlwaysPublic(t *testing.T) {
	classifier := &NopDataClassifier{}

	result, err := classifier.Classify(context.Background(), "api_key=sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HighestLevel != ClassificationPublic || !result.IsClean {
		t.Errorf("expected clean public result, got %+v", result)
	}
}

func TestNopDataClassifier_BatchLengthMatchesInput(t *testing.T) {
	classifier := &NopDataClassifier{}

	results, err := classifier.ClassifyBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.IsClean {
			t.Errorf("result %d should be clean", i)
		}
	}
}

// ============================================================================
// Nop Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	if err := logger.Log(ctx, AuditEvent{EventType: "memory.search", UserID: "u1"}); err != nil {
		t.Errorf("Log: unexpected error: %v", err)
	}

	events, err := logger.Query(ctx, AuditFilter{UserID: "u1"})
	if err != nil {
		t.Errorf("Query: unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("nop logger stored %d events", len(events))
	}

	if err := logger.Flush(ctx); err != nil {
		t.Errorf("Flush: unexpected error: %v", err)
	}
}

func TestNopRequestAuditor_ChainAlwaysValid(t *testing.T) {
	auditor := &NopRequestAuditor{}
	ctx := context.Background()

	if err := auditor.RecordEntry(ctx, HashChainEntry{SessionID: "s", SequenceNum: 1}); err != nil {
		t.Errorf("RecordEntry: unexpected error: %v", err)
	}

	last, err := auditor.GetLastEntry(ctx, "s")
	if err != nil {
		t.Errorf("GetLastEntry: unexpected error: %v", err)
	}
	if last != nil {
		t.Error("nop auditor should report empty chains")
	}

	result, err := auditor.VerifyChain(ctx, "s")
	if err != nil {
		t.Fatalf("VerifyChain: unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Error("nop auditor must report chains as valid")
	}
}

// ============================================================================
// Metadata Tests
// ============================================================================

func TestMetadata_TypedAccessors(t *testing.T) {
	now := time.Now()
	meta := NewMetadata().
		Set("str", "value").
		Set("int", 42).
		Set("int64", int64(43)).
		Set("float", 1.5).
		Set("bool", true).
		Set("time", now)

	if v, ok := meta.GetString("str"); !ok || v != "value" {
		t.Errorf("GetString = %q, %v", v, ok)
	}
	if v, ok := meta.GetInt("int"); !ok || v != 42 {
		t.Errorf("GetInt = %d, %v", v, ok)
	}
	if v, ok := meta.GetInt64("int64"); !ok || v != 43 {
		t.Errorf("GetInt64 = %d, %v", v, ok)
	}
	if v, ok := meta.GetFloat64("float"); !ok || v != 1.5 {
		t.Errorf("GetFloat64 = %v, %v", v, ok)
	}
	if v, ok := meta.GetBool("bool"); !ok || !v {
		t.Errorf("GetBool = %v, %v", v, ok)
	}
	if v, ok := meta.GetTime("time"); !ok || !v.Equal(now) {
		t.Errorf("GetTime = %v, %v", v, ok)
	}
}

func TestMetadata_TypeMismatchReturnsFalse(t *testing.T) {
	meta := NewMetadata().Set("str", "value")

	if _, ok := meta.GetInt("str"); ok {
		t.Error("GetInt on a string value should report false")
	}
	if _, ok := meta.GetString("missing"); ok {
		t.Error("GetString on a missing key should report false")
	}
}

func TestMetadata_CloneIsIndependent(t *testing.T) {
	original := NewMetadata().Set("k", "v")

	clone := original.Clone()
	clone.Set("k", "changed")

	if v, _ := original.GetString("k"); v != "v" {
		t.Errorf("mutating the clone changed the original: %q", v)
	}
}

func TestMetadata_MergeOverwrites(t *testing.T) {
	base := NewMetadata().Set("a", 1).Set("b", 1)
	base.Merge(NewMetadata().Set("b", 2).Set("c", 3))

	if v, _ := base.GetInt("b"); v != 2 {
		t.Errorf("expected merge to overwrite, got %d", v)
	}
	if base.Len() != 3 {
		t.Errorf("expected 3 keys after merge, got %d", base.Len())
	}
}

func TestMetadata_HasAndDelete(t *testing.T) {
	meta := NewMetadata().Set("k", nil)

	if !meta.Has("k") {
		t.Error("Has should report nil-valued keys as present")
	}

	meta.Delete("k")
	if meta.Has("k") {
		t.Error("key survived Delete")
	}
}
