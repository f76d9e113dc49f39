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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// KeyAdmin is the slice of the relational store behind key listing and
// status changes; creation goes through the key service so hashing and
// masking stay in one place.
type KeyAdmin interface {
	ListKeys(ctx context.Context, userID string) ([]datatypes.APIKey, error)
	SetKeyStatus(ctx context.Context, keyID, status string) error
}

// KeyHandler serves the API-key lifecycle. Creation returns the plaintext
// exactly once; listings only ever show the masked preview.
//
// The surface is deployment-local: a single-host install mints its own
// keys, so creation is not itself key-gated. An authenticated caller is
// still pinned to their own user id.
type KeyHandler struct {
	keys   *auth.KeyService
	admin  KeyAdmin
	bus    *events.Bus
	tracer trace.Tracer
}

// NewKeyHandler wires the key surface. keys and admin are required.
func NewKeyHandler(keys *auth.KeyService, admin KeyAdmin, bus *events.Bus) *KeyHandler {
	if keys == nil {
		panic("NewKeyHandler: key service must not be nil")
	}
	if admin == nil {
		panic("NewKeyHandler: key admin store must not be nil")
	}
	return &KeyHandler{
		keys:   keys,
		admin:  admin,
		bus:    bus,
		tracer: otel.Tracer("engram.orchestrator.handlers.keys"),
	}
}

// Create handles POST /v1/keys.
func (h *KeyHandler) Create(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "CreateAPIKey")
	defer span.End()

	var req datatypes.CreateAPIKeyRequest
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
	req.UserID = userID
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult(err.Error()))
		return
	}

	plaintext, key, err := h.keys.CreateKey(ctx, userID, req.Permissions, req.Limits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to create API key"))
		return
	}
	span.SetAttributes(attribute.String("key.id", key.KeyID))

	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:     events.KindKeyCreated,
			TenantID: userID,
			Data:     map[string]any{"key_id": key.KeyID, "key_preview": key.KeyPreview},
		})
	}

	c.JSON(http.StatusOK, datatypes.CreateAPIKeyResponse{
		KeyID:      key.KeyID,
		APIKey:     plaintext,
		KeyPreview: key.KeyPreview,
		Limits:     key.Limits,
		CreatedAt:  key.CreatedAt,
	})
}

// List handles GET /v1/keys?id=<user_id>. Hashes never leave the store;
// the response carries ids, previews, status, and limits only.
func (h *KeyHandler) List(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "ListAPIKeys")
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

	keys, err := h.admin.ListKeys(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to list API keys"))
		return
	}

	views := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		views = append(views, gin.H{
			"key_id":      k.KeyID,
			"key_preview": k.KeyPreview,
			"status":      k.Status,
			"permissions": k.Permissions,
			"limits":      k.Limits,
		})
	}
	c.JSON(http.StatusOK, datatypes.OkResult(views))
}

// SetStatus handles POST /v1/keys/:keyId/status with body
// {"status": "active"|"disabled"}.
func (h *KeyHandler) SetStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "SetAPIKeyStatus")
	defer span.End()

	keyID := c.Param("keyId")
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BindJSON(&req); err != nil || keyID == "" {
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("key id and status are required"))
		return
	}
	if req.Status != datatypes.KeyStatusActive && req.Status != datatypes.KeyStatusDisabled {
		span.SetStatus(codes.Error, "invalid status")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("status must be active or disabled"))
		return
	}

	if err := h.admin.SetKeyStatus(ctx, keyID, req.Status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to update key status"))
		return
	}
	span.SetAttributes(attribute.String("key.id", keyID), attribute.String("key.status", req.Status))
	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"key_id": keyID, "status": req.Status}))
}
