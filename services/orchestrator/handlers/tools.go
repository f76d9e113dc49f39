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
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/gateway"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/observability"
)

// ToolGateway is the slice of the gateway the HTTP and WebSocket tool
// surfaces share. Both transports dispatch through the same
// authenticate-admit-dispatch bracket inside the gateway, so neither mounts
// the auth or admission middleware.
type ToolGateway interface {
	Authenticate(ctx context.Context, token string) (*extensions.AuthInfo, error)
	Call(ctx context.Context, token, tool string, args json.RawMessage) (any, error)
	Tools() map[string]gateway.ToolInfo
	Instructions() string
}

// ToolHandler serves the HTTP transport of the tool surface.
type ToolHandler struct {
	gw     ToolGateway
	tracer trace.Tracer
}

// NewToolHandler wires the HTTP tool surface.
func NewToolHandler(gw ToolGateway) *ToolHandler {
	if gw == nil {
		panic("NewToolHandler: gateway must not be nil")
	}
	return &ToolHandler{
		gw:     gw,
		tracer: otel.Tracer("engram.orchestrator.handlers.tools"),
	}
}

// bearerOrBody returns the caller's token: the Authorization header when
// present, else the api_key field some clients send in the body.
func bearerOrBody(c *gin.Context, bodyKey string) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return bodyKey
}

// GetTools handles GET /v1/tools: the catalog of tool names, descriptions,
// and JSON-Schema parameter shapes, gated on a valid key.
func (h *ToolHandler) GetTools(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "GetTools")
	defer span.End()

	if _, err := h.gw.Authenticate(ctx, bearerOrBody(c, c.Query("api_key"))); err != nil {
		span.SetStatus(codes.Error, "auth failed")
		c.JSON(http.StatusUnauthorized, datatypes.ErrResult(toolErrorMessage(err)))
		return
	}

	tools := make(map[string]datatypes.ToolInfo, len(h.gw.Tools()))
	for name, info := range h.gw.Tools() {
		tools[name] = datatypes.ToolInfo{
			Description: info.Description,
			Parameters:  info.Parameters,
		}
	}
	c.JSON(http.StatusOK, datatypes.GetToolsResponse{Tools: tools})
}

// GetInstructions handles GET /v1/tools/instructions.
func (h *ToolHandler) GetInstructions(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "GetInstructions")
	defer span.End()

	if _, err := h.gw.Authenticate(ctx, bearerOrBody(c, c.Query("api_key"))); err != nil {
		span.SetStatus(codes.Error, "auth failed")
		c.JSON(http.StatusUnauthorized, datatypes.ErrResult(toolErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "instructions": h.gw.Instructions()})
}

// CallTool handles POST /v1/tools/call.
//
// Body: {"tool": "...", "arguments": {...}, "api_key": "..."} — the key may
// ride the Authorization header instead. Auth failures answer 401 and rate
// limit denials 429, both with the exact sentinel message; tool failures
// answer 200 with {ok:false, error} so agents can read them as results.
func (h *ToolHandler) CallTool(c *gin.Context) {
	start := time.Now()
	ctx, span := h.tracer.Start(c.Request.Context(), "CallTool")
	defer span.End()

	var req datatypes.ToolRPCRequest
	if err := c.BindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("invalid request body"))
		return
	}
	span.SetAttributes(attribute.String("tool", req.Tool))

	args, err := json.Marshal(req.Arguments)
	if err != nil {
		span.SetStatus(codes.Error, "invalid arguments")
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("invalid tool arguments"))
		return
	}

	token := bearerOrBody(c, req.APIKey)
	result, err := h.gw.Call(ctx, token, req.Tool, args)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordToolCall(req.Tool, status, time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		c.JSON(toolErrorStatus(err), datatypes.ErrResult(toolErrorMessage(err)))
		return
	}
	span.SetStatus(codes.Ok, "tool call completed")
	c.JSON(http.StatusOK, datatypes.OkResult(result))
}

// toolErrorStatus maps a gateway error to its transport status code. Auth
// sentinels are 401, rate limiting 429, unknown tools 404; anything a tool
// handler itself returned is a result, delivered as 200 {ok:false}.
func toolErrorStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrKeyRequired),
		errors.Is(err, auth.ErrKeyInvalid),
		errors.Is(err, auth.ErrKeyInactive),
		errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, extensions.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrUnknownTool):
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

// toolErrorMessage keeps the auth and rate-limit sentinel strings verbatim;
// everything else passes through as the tool's own message.
func toolErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
