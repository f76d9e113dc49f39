// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/services"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// CollectionAdmin is the slice of the vector store the collection surface
// needs: counting, rebuilding, and the freeze bracket that keeps writers
// out while a tenant is replaced.
type CollectionAdmin interface {
	Use(ctx context.Context, tenantID string) (vectorstore.CollectionHandle, error)
	Count(ctx context.Context, h vectorstore.CollectionHandle) (int64, error)
	EnsureCollection(ctx context.Context, tenantID string) error
	DropCollection(ctx context.Context, tenantID string) error
	FreezeTenant(ctx context.Context, tenantID string) (func(), error)
}

// ReplaceCollectionRequest is the body of POST /v1/collections/replace.
// Confirm must be true; replacement destroys every entry in the view.
type ReplaceCollectionRequest struct {
	UserID  string `json:"user_id"`
	View    string `json:"view"` // "chat", "file", or "" for both
	Confirm bool   `json:"confirm"`
}

// CollectionHandler serves the per-tenant collection admin surface.
type CollectionHandler struct {
	store     CollectionAdmin
	retrieval *services.ChatRetrievalService
	cache     Invalidator
	bus       *events.Bus
	tracer    trace.Tracer
}

func NewCollectionHandler(store CollectionAdmin, retrieval *services.ChatRetrievalService, cache Invalidator, bus *events.Bus) *CollectionHandler {
	if store == nil {
		panic("NewCollectionHandler: collection admin must not be nil")
	}
	if retrieval == nil {
		panic("NewCollectionHandler: retrieval service must not be nil")
	}
	return &CollectionHandler{
		store:     store,
		retrieval: retrieval,
		cache:     cache,
		bus:       bus,
		tracer:    otel.Tracer("engram.orchestrator.handlers.collections"),
	}
}

// tenantsFor resolves which tenant collections a request touches.
func (h *CollectionHandler) tenantsFor(userID, view string) []string {
	switch view {
	case "chat":
		return []string{h.retrieval.ChatTenant(userID)}
	case "file":
		return []string{h.retrieval.FileTenant(userID)}
	default:
		return []string{h.retrieval.ChatTenant(userID), h.retrieval.FileTenant(userID)}
	}
}

// Summary handles GET /v1/collections/summary?id=<user_id>. It reports the
// entry count of each of the caller's tenant collections. A tenant that does
// not exist yet counts as zero rather than erroring, so the endpoint is safe
// to call before any memory has been written.
func (h *CollectionHandler) Summary(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "CollectionSummary")
	defer span.End()

	userID, ok := effectiveUser(c, c.Query("id"))
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("id does not match the authenticated identity"))
		return
	}
	if userID == "" {
		span.SetStatus(codes.Error, "missing id")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("id query parameter is required"))
		return
	}

	counts := make(map[string]int64, 2)
	for _, tenant := range h.tenantsFor(userID, "") {
		handle, err := h.store.Use(ctx, tenant)
		if err != nil {
			counts[tenant] = 0
			continue
		}
		n, err := h.store.Count(ctx, handle)
		if err != nil {
			span.RecordError(err)
			counts[tenant] = 0
			continue
		}
		counts[tenant] = n
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "collections": counts})
}

// Replace handles POST /v1/collections/replace: drop and recreate one or
// both of the caller's tenant collections. The request must carry
// confirm=true; there is no recovery once the drop lands.
func (h *CollectionHandler) Replace(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "ReplaceCollection")
	defer span.End()

	var req ReplaceCollectionRequest
	if err := c.BindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("invalid request body"))
		return
	}
	userID, ok := effectiveUser(c, req.UserID)
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("user_id does not match the authenticated identity"))
		return
	}
	if userID == "" {
		span.SetStatus(codes.Error, "missing user id")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("user_id is required"))
		return
	}
	if !req.Confirm {
		span.SetStatus(codes.Error, "not confirmed")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("replace destroys all entries in the collection; set confirm to true to proceed"))
		return
	}
	if req.View != "" && req.View != "chat" && req.View != "file" {
		span.SetStatus(codes.Error, "invalid view")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("view must be chat, file, or empty for both"))
		return
	}
	span.SetAttributes(attribute.String("collection.view", req.View))

	replaced := make([]string, 0, 2)
	for _, tenant := range h.tenantsFor(userID, req.View) {
		slog.Warn("replacing tenant collection", "tenant", tenant, "user_id", userID)
		thaw, err := h.store.FreezeTenant(ctx, tenant)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "freeze failed")
			c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to quiesce collection "+tenant))
			return
		}
		err = func() error {
			defer thaw()
			if err := h.store.DropCollection(ctx, tenant); err != nil {
				return err
			}
			return h.store.EnsureCollection(ctx, tenant)
		}()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replace failed")
			c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to replace collection "+tenant))
			return
		}
		if h.cache != nil {
			h.cache.InvalidateTenant(tenant)
		}
		if h.bus != nil {
			h.bus.Publish(events.Event{
				Type:     events.KindIndexUpdated,
				TenantID: tenant,
				Data:     map[string]any{"action": "replace"},
			})
		}
		replaced = append(replaced, tenant)
	}

	slog.Info("collections replaced", "user_id", userID, "collections", replaced)
	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"replaced": replaced}))
}
