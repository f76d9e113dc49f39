// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// recordingInvalidator captures InvalidateTenant notifications.
type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) InvalidateTenant(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, tenantID)
}

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestSwitchTenantCreatesCollection(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	require.NoError(t, s.SwitchTenant(ctx, "alice"))

	assert.Equal(t, "alice", s.CurrentTenant())
	assert.Equal(t, "alice", s.Handle().Tenant())

	creates, _, _, _, _ := fake.counts()
	assert.Equal(t, 1, creates)
	fake.mu.Lock()
	assert.True(t, fake.classes[datatypes.TenantClassName("alice")])
	fake.mu.Unlock()
}

func TestSwitchTenantToCurrentIsNoop(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	require.NoError(t, s.SwitchTenant(ctx, "alice"))
	require.NoError(t, s.SwitchTenant(ctx, "alice"))

	creates, _, _, _, _ := fake.counts()
	assert.Equal(t, 1, creates)
}

func TestSwitchTenantRejectsBadIDs(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	require.ErrorIs(t, s.SwitchTenant(ctx, ""), ErrInvalidTenant)

	_, err := s.Use(ctx, "")
	require.ErrorIs(t, err, ErrInvalidTenant)
}

func TestSwitchTenantRollsBackOnFailure(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	require.NoError(t, s.SwitchTenant(ctx, "alice"))

	fake.mu.Lock()
	fake.failSchemaCreate = true
	fake.mu.Unlock()

	err := s.SwitchTenant(ctx, "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `failed to switch tenant to "bob"`)
	assert.Equal(t, "alice", s.CurrentTenant())

	fake.mu.Lock()
	fake.failSchemaCreate = false
	fake.mu.Unlock()

	require.NoError(t, s.SwitchTenant(ctx, "bob"))
	assert.Equal(t, "bob", s.CurrentTenant())
}

func TestUsePinsHandle(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	h1, err := s.Use(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", h1.Tenant())
	assert.Equal(t, datatypes.TenantClassName("alice"), h1.class)

	h2, err := s.Use(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", h2.Tenant())

	// The old handle still points at alice even though the selector moved.
	assert.Equal(t, "alice", h1.Tenant())
	assert.Equal(t, "bob", s.CurrentTenant())
}

func TestSwitchTenantNotifiesInvalidators(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	rec := &recordingInvalidator{}
	s.RegisterInvalidator(rec)
	s.RegisterInvalidator(nil) // must be ignored

	require.NoError(t, s.SwitchTenant(ctx, "alice"))
	assert.Empty(t, rec.seen(), "first switch has no previous tenant")

	require.NoError(t, s.SwitchTenant(ctx, "bob"))
	require.NoError(t, s.SwitchTenant(ctx, "alice"))
	assert.Equal(t, []string{"alice", "bob"}, rec.seen())
}

func TestSwitchTenantPurgesEntryCache(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	require.NoError(t, s.SwitchTenant(ctx, "alice"))
	s.entries.Set(entryCacheKey(datatypes.TenantClassName("alice"), "e1"), cachedEntry("e1", "a"))
	require.Equal(t, 1, s.entries.Len())

	require.NoError(t, s.SwitchTenant(ctx, "bob"))
	assert.Equal(t, 0, s.entries.Len())
}

func TestFreezeTenantBlocksSwitches(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	release, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.CurrentTenant(), "freeze switches to the tenant first")

	err = s.SwitchTenant(ctx, "bob")
	require.ErrorIs(t, err, ErrTenantFrozen)

	_, err = s.Use(ctx, "bob")
	require.ErrorIs(t, err, ErrTenantFrozen)

	// Re-selecting the frozen tenant is allowed.
	require.NoError(t, s.SwitchTenant(ctx, "alice"))

	release()
	require.NoError(t, s.SwitchTenant(ctx, "bob"))
}

func TestFreezeTenantNests(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	release1, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)
	release2, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)

	release1()
	require.ErrorIs(t, s.SwitchTenant(ctx, "bob"), ErrTenantFrozen)

	release2()
	require.NoError(t, s.SwitchTenant(ctx, "bob"))
}

func TestFreezeTenantConflict(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	release, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)
	defer release()

	_, err = s.FreezeTenant(ctx, "bob")
	require.ErrorIs(t, err, ErrTenantFrozen)
	assert.Contains(t, err.Error(), `"alice" is frozen`)
}

func TestFreezeReleaseIsIdempotent(t *testing.T) {
	fake := newFakeWeaviate()
	s, _ := newTestStore(t, fake)
	ctx := context.Background()

	release, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)

	release()
	release() // second call must not unfreeze a future freeze

	release2, err := s.FreezeTenant(ctx, "alice")
	require.NoError(t, err)
	require.ErrorIs(t, s.SwitchTenant(ctx, "bob"), ErrTenantFrozen)
	release2()
	require.NoError(t, s.SwitchTenant(ctx, "bob"))
}
