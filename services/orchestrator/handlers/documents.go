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
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/services/chunker"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/services"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// maxDocumentBytes bounds a single upload after base64 decoding.
const maxDocumentBytes = 20 << 20

// deleteScanLimit bounds how many entries a delete-by-source pass collects
// per round.
const deleteScanLimit = 500

// DocumentStore is the slice of the vector store the document surface
// needs.
type DocumentStore interface {
	Use(ctx context.Context, tenantID string) (vectorstore.CollectionHandle, error)
	AddEntries(ctx context.Context, h vectorstore.CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error)
	StructuredSearch(ctx context.Context, h vectorstore.CollectionHandle, f *datatypes.SearchFilters, topK int) ([]datatypes.MemoryEntry, error)
	DeleteEntries(ctx context.Context, h vectorstore.CollectionHandle, entryIDs []string) (int64, error)
}

// Invalidator drops cached search results after a write.
type Invalidator interface {
	InvalidateTenant(tenantID string)
}

// UploadDocumentRequest is the body of POST /v1/documents. Data carries the
// base64-encoded file; Filename selects the extraction path by extension.
type UploadDocumentRequest struct {
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	Data     string `json:"base64data"`
}

// DocumentHandler ingests uploaded files into the caller's file-content
// collection: decode, chunk, write each chunk as a semantic entry tagged
// with its source document.
type DocumentHandler struct {
	store     DocumentStore
	chunks    *chunker.Chunker
	retrieval *services.ChatRetrievalService
	cache     Invalidator
	bus       *events.Bus
	tracer    trace.Tracer
}

// NewDocumentHandler wires the document surface. store, chunks, and
// retrieval are required; cache and bus are optional.
func NewDocumentHandler(store DocumentStore, chunks *chunker.Chunker, retrieval *services.ChatRetrievalService, cache Invalidator, bus *events.Bus) *DocumentHandler {
	if store == nil {
		panic("NewDocumentHandler: document store must not be nil")
	}
	if chunks == nil {
		panic("NewDocumentHandler: chunker must not be nil")
	}
	if retrieval == nil {
		panic("NewDocumentHandler: retrieval service must not be nil")
	}
	return &DocumentHandler{
		store:     store,
		chunks:    chunks,
		retrieval: retrieval,
		cache:     cache,
		bus:       bus,
		tracer:    otel.Tracer("engram.orchestrator.handlers.documents"),
	}
}

// Upload handles POST /v1/documents.
func (h *DocumentHandler) Upload(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "UploadDocument")
	defer span.End()

	var req UploadDocumentRequest
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
	if userID == "" || req.Filename == "" || req.Data == "" {
		span.SetStatus(codes.Error, "missing field")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("user_id, filename and base64data are required"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		span.SetStatus(codes.Error, "invalid base64")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("base64data is not valid base64"))
		return
	}
	if len(data) > maxDocumentBytes {
		span.SetStatus(codes.Error, "document too large")
		c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrResult("document exceeds the 20MB upload limit"))
		return
	}

	source := filepath.Base(req.Filename)
	ext := strings.ToLower(filepath.Ext(source))
	span.SetAttributes(
		attribute.String("document.source", source),
		attribute.Int("document.bytes", len(data)),
	)

	pieces, err := h.chunks.ChunkFile(data, ext)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunking failed")
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrResult("failed to extract text: "+err.Error()))
		return
	}
	if len(pieces) == 0 {
		c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"source": source, "chunks": 0}))
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]datatypes.MemoryEntry, 0, len(pieces))
	for _, piece := range pieces {
		entries = append(entries, datatypes.MemoryEntry{
			LosslessRestatement: piece.Text,
			Keywords:            piece.Tags,
			Topic:               piece.Title,
			Timestamp:           now,
			MemoryType:          datatypes.MemoryTypeSemantic,
			Source:              source,
		})
	}

	tenant := h.retrieval.FileTenant(userID)
	handle, err := h.store.Use(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant switch failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to open the file collection"))
		return
	}
	ids, err := h.store.AddEntries(ctx, handle, entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to index the document"))
		return
	}
	if h.cache != nil {
		h.cache.InvalidateTenant(tenant)
	}
	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:     events.KindMemoryAdded,
			TenantID: userID,
			Data:     map[string]any{"source": source, "chunks": len(ids)},
		})
	}

	span.SetStatus(codes.Ok, "document indexed")
	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"source": source, "chunks": len(ids)}))
}

// List handles GET /v1/documents?id=<user_id>&source=<filename>. It returns
// the indexed chunks for one source document, insertion-ordered.
func (h *DocumentHandler) List(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "ListDocumentChunks")
	defer span.End()

	userID, ok := effectiveUser(c, c.Query("id"))
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("id does not match the authenticated identity"))
		return
	}
	source := c.Query("source")
	if userID == "" || source == "" {
		span.SetStatus(codes.Error, "missing parameter")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("id and source query parameters are required"))
		return
	}

	handle, err := h.store.Use(ctx, h.retrieval.FileTenant(userID))
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to open the file collection"))
		return
	}
	entries, err := h.store.StructuredSearch(ctx, handle, &datatypes.SearchFilters{Source: source}, deleteScanLimit)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to list document chunks"))
		return
	}
	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"source": source, "chunks": entries}))
}

// Delete handles DELETE /v1/documents?id=<user_id>&source=<filename>,
// removing every chunk indexed from that document.
func (h *DocumentHandler) Delete(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "DeleteDocument")
	defer span.End()

	userID, ok := effectiveUser(c, c.Query("id"))
	if !ok {
		span.SetStatus(codes.Error, "user mismatch")
		c.JSON(http.StatusForbidden, datatypes.ErrResult("id does not match the authenticated identity"))
		return
	}
	source := c.Query("source")
	if userID == "" || source == "" {
		span.SetStatus(codes.Error, "missing parameter")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("id and source query parameters are required"))
		return
	}

	tenant := h.retrieval.FileTenant(userID)
	handle, err := h.store.Use(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to open the file collection"))
		return
	}

	var deleted int64
	for {
		entries, err := h.store.StructuredSearch(ctx, handle, &datatypes.SearchFilters{Source: source}, deleteScanLimit)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to find document chunks"))
			return
		}
		if len(entries) == 0 {
			break
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.EntryID)
		}
		n, err := h.store.DeleteEntries(ctx, handle, ids)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to delete document chunks"))
			return
		}
		deleted += n
		if len(entries) < deleteScanLimit {
			break
		}
	}

	if h.cache != nil {
		h.cache.InvalidateTenant(tenant)
	}
	span.SetAttributes(attribute.Int64("document.deleted", deleted))
	c.JSON(http.StatusOK, datatypes.OkResult(gin.H{"source": source, "deleted": deleted}))
}
