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
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// SwitchTenant makes tenantID the store's current tenant.
//
// # Description
//
// The switch is serialized under the selector lock and follows a fixed
// protocol: a switch to the already-current tenant returns immediately;
// otherwise registered tenant caches are invalidated for the old tenant, the
// local entry cache is cleared, and the new tenant's collection is created if
// missing. If that creation fails, the selector rolls back to the previous
// tenant and the error is returned. Switches attempted while a freeze guard
// is held fail with ErrTenantFrozen.
//
// The selector lock is held across the collection check, so concurrent
// switches serialize; operations already holding a CollectionHandle are not
// affected.
func (s *WeaviateStore) SwitchTenant(ctx context.Context, tenantID string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.SwitchTenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := validateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.switchTenantLocked(ctx, tenantID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Use switches to tenantID and returns a handle pinned to it, in one step
// under the selector lock. Request-scoped callers use this instead of
// SwitchTenant+Handle, which would race against other requests switching in
// between.
func (s *WeaviateStore) Use(ctx context.Context, tenantID string) (CollectionHandle, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Use")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := validateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return CollectionHandle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.switchTenantLocked(ctx, tenantID); err != nil {
		span.RecordError(err)
		return CollectionHandle{}, err
	}
	return handleFor(s.tenant), nil
}

// switchTenantLocked runs the switch protocol. Caller must hold s.mu.
func (s *WeaviateStore) switchTenantLocked(ctx context.Context, tenantID string) error {
	if tenantID == s.tenant {
		return nil
	}
	if s.freezes > 0 {
		return fmt.Errorf("%w: cannot switch to %q while %q is frozen",
			ErrTenantFrozen, tenantID, s.frozenTenant)
	}

	prev := s.tenant
	if prev != "" {
		for _, inv := range s.invalidators {
			inv.InvalidateTenant(prev)
		}
	}
	s.entries.Purge()

	s.tenant = tenantID
	if err := s.ensureCollection(ctx, tenantID); err != nil {
		s.tenant = prev
		return fmt.Errorf("failed to switch tenant to %q: %w", tenantID, err)
	}

	slog.Info("Switched vector store tenant", "from", prev, "to", tenantID)
	return nil
}

// Handle snapshots the current tenant. The zero handle is returned when no
// tenant has been selected yet; operations reject it.
func (s *WeaviateStore) Handle() CollectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenant == "" {
		return CollectionHandle{}
	}
	return handleFor(s.tenant)
}

// CurrentTenant returns the selector's current tenant, empty when none is
// selected.
func (s *WeaviateStore) CurrentTenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

// FreezeTenant pins the selector to tenantID for the duration of a
// multi-step operation.
//
// # Description
//
// If tenantID is not current, the store switches to it first (following the
// full switch protocol). While at least one freeze is held, any switch
// attempt fails with ErrTenantFrozen, including a freeze of a different
// tenant. Freezes of the same tenant nest.
//
// # Outputs
//
//   - release: must be called exactly once when the guarded work completes;
//     extra calls are no-ops. Typically deferred.
//   - error: ErrTenantFrozen when another tenant holds the freeze, or the
//     switch error when moving to tenantID failed.
//
// # Example
//
//	release, err := store.FreezeTenant(ctx, agentID)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (s *WeaviateStore) FreezeTenant(ctx context.Context, tenantID string) (func(), error) {
	ctx, span := tracer.Start(ctx, "vectorstore.FreezeTenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := validateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freezes > 0 && tenantID != s.frozenTenant {
		err := fmt.Errorf("%w: %q is frozen, cannot freeze %q",
			ErrTenantFrozen, s.frozenTenant, tenantID)
		span.RecordError(err)
		return nil, err
	}
	if tenantID != s.tenant {
		if err := s.switchTenantLocked(ctx, tenantID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	s.freezes++
	s.frozenTenant = tenantID

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.freezes--
			if s.freezes == 0 {
				s.frozenTenant = ""
			}
		})
	}
	return release, nil
}

// RegisterInvalidator adds a tenant-scoped cache to notify when the selector
// leaves a tenant. The semantic result cache registers itself here so a
// t1 → t2 → t1 switch sequence cannot serve t1 results cached before the
// round trip.
func (s *WeaviateStore) RegisterInvalidator(inv TenantCacheInvalidator) {
	if inv == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidators = append(s.invalidators, inv)
}
