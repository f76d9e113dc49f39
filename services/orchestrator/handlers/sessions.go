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

	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/history"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/middleware"
)

// preloadTopK is how many messages per session the listing endpoint warms
// into the history cache, matching the cache's per-session cap.
const preloadTopK = 30

// SessionStore is the slice of the relational store the session surface
// needs.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string) (*datatypes.Session, error)
	ListSessions(ctx context.Context, userID string) ([]datatypes.Session, error)
	GetSessionMessages(ctx context.Context, userID, sessionID string, topK int) ([]datatypes.ChatMessage, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// SessionHandler serves session creation, listing, and message history.
type SessionHandler struct {
	store  SessionStore
	turns  *history.Cache
	bus    *events.Bus
	tracer trace.Tracer
}

// NewSessionHandler wires the session surface. store is required; turns and
// bus are optional.
func NewSessionHandler(store SessionStore, turns *history.Cache, bus *events.Bus) *SessionHandler {
	if store == nil {
		panic("NewSessionHandler: session store must not be nil")
	}
	return &SessionHandler{
		store:  store,
		turns:  turns,
		bus:    bus,
		tracer: otel.Tracer("engram.orchestrator.handlers.sessions"),
	}
}

// effectiveUser resolves the caller-supplied user id against the
// authenticated identity. An authenticated caller may omit the id (it is
// implied) but may not address another user's data.
func effectiveUser(c *gin.Context, supplied string) (string, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil {
		return supplied, true
	}
	if supplied == "" || supplied == info.UserID {
		return info.UserID, true
	}
	return "", false
}

// CreateSession handles POST /create_session.
//
// Body: {"user_id": "..."}. Answers {"thread_id": "...", "createdAt": ...}.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "CreateSession")
	defer span.End()

	var req datatypes.CreateSessionRequest
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

	session, err := h.store.CreateSession(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to create session"))
		return
	}
	span.SetAttributes(attribute.String("session.id", session.SessionID))

	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:     events.KindSessionStarted,
			TenantID: userID,
			Data:     map[string]any{"thread_id": session.SessionID},
		})
	}

	c.JSON(http.StatusOK, datatypes.CreateSessionResponse{
		ThreadID:  session.SessionID,
		CreatedAt: session.CreatedAt,
	})
}

// GetSessions handles GET /get_sessions?id=<user_id>.
//
// Answers the bare array of thread ids, newest first. As a side effect the
// listed sessions are warmed into the history cache so the next chat turn
// on any of them skips the store read.
func (h *SessionHandler) GetSessions(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "GetSessions")
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

	sessions, err := h.store.ListSessions(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to list sessions"))
		return
	}
	span.SetAttributes(attribute.Int("sessions.count", len(sessions)))

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}

	if h.turns != nil {
		h.turns.Preload(context.WithoutCancel(ctx), userID, ids,
			func(ctx context.Context, sessionID string, topK int) ([]datatypes.ChatMessage, error) {
				return h.store.GetSessionMessages(ctx, userID, sessionID, topK)
			})
	}

	c.JSON(http.StatusOK, ids)
}

// GetSessionMessages handles GET /sessions/:threadId/messages?id=<user_id>.
//
// Answers {"messages": [...]} oldest first. The history cache is consulted
// before the store; a miss backfills it.
func (h *SessionHandler) GetSessionMessages(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "GetSessionMessages")
	defer span.End()

	threadID := c.Param("threadId")
	userID, ok := effectiveUser(c, c.Query("id"))
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("id does not match the authenticated identity"))
		return
	}
	if userID == "" || threadID == "" {
		span.SetStatus(codes.Error, "missing parameter")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("id query parameter and thread id are required"))
		return
	}
	span.SetAttributes(attribute.String("session.id", threadID))

	if h.turns != nil {
		if cached := h.turns.Get(userID, threadID); len(cached) > 0 {
			c.JSON(http.StatusOK, datatypes.SessionMessagesResponse{Messages: cached})
			return
		}
	}

	messages, err := h.store.GetSessionMessages(ctx, userID, threadID, preloadTopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to load messages"))
		return
	}
	if h.turns != nil && len(messages) > 0 {
		h.turns.Set(userID, threadID, messages)
	}

	c.JSON(http.StatusOK, datatypes.SessionMessagesResponse{Messages: messages})
}

// DeleteSession handles DELETE /sessions/:threadId?id=<user_id>. The cached
// window is dropped with the stored messages, and session.ended is published
// so dashboards see the teardown.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "DeleteSession")
	defer span.End()

	threadID := c.Param("threadId")
	userID, ok := effectiveUser(c, c.Query("id"))
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("id does not match the authenticated identity"))
		return
	}
	if userID == "" || threadID == "" {
		span.SetStatus(codes.Error, "missing parameter")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("id query parameter and thread id are required"))
		return
	}
	span.SetAttributes(attribute.String("session.id", threadID))

	if err := h.store.DeleteSession(ctx, userID, threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to delete session"))
		return
	}
	if h.turns != nil {
		h.turns.Forget(userID, threadID)
	}
	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:     events.KindSessionEnded,
			TenantID: userID,
			Data:     map[string]any{"thread_id": threadID},
		})
	}

	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"thread_id": threadID}))
}
