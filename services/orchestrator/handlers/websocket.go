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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/observability"
)

// =============================================================================
// Connection Tuning
// =============================================================================

const (
	// wsReadLimit bounds one RPC frame. Tool arguments are small JSON
	// documents; 1MB leaves room for add_memory_direct batches.
	wsReadLimit = 1 << 20

	// wsWriteTimeout bounds a single response write.
	wsWriteTimeout = 10 * time.Second

	// wsIdleTimeout disconnects a client that sends nothing. Pong frames
	// reset it, so a live-but-quiet agent survives.
	wsIdleTimeout = 5 * time.Minute

	// wsPingInterval keeps NATs and load balancers from reaping the
	// connection between tool calls.
	wsPingInterval = 30 * time.Second
)

var toolsUpgrader = websocket.Upgrader{
	// The gateway authenticates every RPC by API key; origin checking adds
	// nothing for non-browser agent clients.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// =============================================================================
// Handler
// =============================================================================

// ToolSocketHandler serves the WebSocket RPC transport of the tool surface.
// Each frame is one ToolRPCRequest; each answer one ToolResult echoing the
// request's rpc_id. The connection itself is unauthenticated — every RPC
// carries its own key, which the gateway validates, so a held-open socket
// grants nothing by itself.
type ToolSocketHandler struct {
	gw     ToolGateway
	tracer trace.Tracer
}

// NewToolSocketHandler wires the WebSocket tool surface.
func NewToolSocketHandler(gw ToolGateway) *ToolSocketHandler {
	if gw == nil {
		panic("NewToolSocketHandler: gateway must not be nil")
	}
	return &ToolSocketHandler{
		gw:     gw,
		tracer: otel.Tracer("engram.orchestrator.handlers.toolsocket"),
	}
}

// Handle upgrades GET /v1/tools/ws and serves RPCs until the client goes
// away. Malformed frames answer an error result rather than dropping the
// connection; an agent mid-session should not lose its socket to one typo.
func (h *ToolSocketHandler) Handle(c *gin.Context) {
	ws, err := toolsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Tool socket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	slog.Info("Tool socket client connected", slog.String("remote", c.ClientIP()))

	// Writes come from the RPC loop and the ping ticker; serialize them.
	writes := make(chan any, 8)
	done := make(chan struct{})
	go h.writeLoop(ws, writes, done)
	defer close(writes)

	for {
		raw := json.RawMessage{}
		if err := ws.ReadJSON(&raw); err != nil {
			slog.Info("Tool socket client disconnected", slog.String("reason", err.Error()))
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var resp datatypes.ToolResult
		var req datatypes.ToolRPCRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = datatypes.ErrResult("invalid RPC frame")
		} else {
			resp = h.dispatch(c.Request.Context(), req)
		}

		select {
		case writes <- resp:
		case <-done:
			return
		}
	}
}

// writeLoop owns the connection's write side: responses from the RPC loop
// and periodic pings. It exits when the writes channel closes or a write
// fails, closing done so the reader stops queueing.
func (h *ToolSocketHandler) writeLoop(ws *websocket.Conn, writes <-chan any, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-writes:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(v); err != nil {
				slog.Warn("Tool socket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch runs one RPC and shapes the response envelope.
func (h *ToolSocketHandler) dispatch(parent context.Context, req datatypes.ToolRPCRequest) datatypes.ToolResult {
	start := time.Now()
	ctx, span := h.tracer.Start(parent, "ToolSocketRPC")
	defer span.End()
	span.SetAttributes(
		attribute.String("action", req.Action),
		attribute.String("tool", req.Tool),
	)

	var resp datatypes.ToolResult
	switch req.Action {
	case datatypes.ActionGetTools:
		if _, err := h.gw.Authenticate(ctx, req.APIKey); err != nil {
			resp = datatypes.ErrResult(toolErrorMessage(err))
			break
		}
		tools := make(map[string]datatypes.ToolInfo, len(h.gw.Tools()))
		for name, info := range h.gw.Tools() {
			tools[name] = datatypes.ToolInfo{
				Description: info.Description,
				Parameters:  info.Parameters,
			}
		}
		resp = datatypes.OkResult(datatypes.GetToolsResponse{Tools: tools})

	case datatypes.ActionGetInstructions:
		if _, err := h.gw.Authenticate(ctx, req.APIKey); err != nil {
			resp = datatypes.ErrResult(toolErrorMessage(err))
			break
		}
		resp = datatypes.OkResult(h.gw.Instructions())

	case datatypes.ActionCallTool:
		resp = h.callTool(ctx, req)
		if m := observability.DefaultMetrics; m != nil {
			status := "ok"
			if !resp.OK {
				status = "error"
			}
			m.RecordToolCall(req.Tool, status, time.Since(start).Seconds())
		}

	default:
		resp = datatypes.ErrResult("unknown action: " + req.Action)
	}

	resp.RPCID = req.RPCID
	return resp
}

// callTool marshals the arguments back to raw JSON and runs the gateway
// bracket. Every error becomes an {ok:false} result; unlike HTTP there is
// no status code to carry the distinction, so the sentinel message is the
// contract.
func (h *ToolSocketHandler) callTool(ctx context.Context, req datatypes.ToolRPCRequest) datatypes.ToolResult {
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		return datatypes.ErrResult("invalid tool arguments")
	}
	result, err := h.gw.Call(ctx, req.APIKey, req.Tool, args)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("Tool socket call failed",
				slog.String("tool", req.Tool),
				slog.String("error", err.Error()))
		}
		return datatypes.ErrResult(toolErrorMessage(err))
	}
	return datatypes.OkResult(result)
}
