// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes maps the orchestrator's HTTP surface onto its handlers.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/pkg/telemetry"
	"github.com/EngramAI/EngramLocal/services/orchestrator/handlers"
	"github.com/EngramAI/EngramLocal/services/orchestrator/middleware"
)

// Deps carries the constructed handlers and the middleware dependencies.
// Nil handler fields skip their routes: a deployment without a vector store
// simply does not mount the document, tool, or collection surfaces.
type Deps struct {
	Auth    extensions.AuthProvider
	Limiter middleware.Admitter
	Bus     middleware.Publisher

	Health      *handlers.HealthHandler
	Chat        handlers.StreamingChatHandler
	Sessions    *handlers.SessionHandler
	Documents   *handlers.DocumentHandler
	Tools       *handlers.ToolHandler
	ToolSocket  *handlers.ToolSocketHandler
	Events      *handlers.EventsHandler
	Keys        *handlers.KeyHandler
	Usage       *handlers.UsageHandler
	Collections *handlers.CollectionHandler

	EnableMetrics bool
}

// SetupRoutes registers every route on the engine.
//
// The chat and session surfaces take OptionalAuth then Admission: anonymous
// local callers pass through, authenticated callers are pinned to their own
// user and admitted against their key's limits. The tool routes get neither;
// the gateway runs its own authenticate-admit-dispatch bracket per call, and
// stacking the middleware on top would double-count every call against the
// key's limits.
func SetupRoutes(router *gin.Engine, d Deps) {
	if d.Health != nil {
		router.GET("/health", d.Health.Check)
	}
	if d.EnableMetrics {
		router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	}

	authed := router.Group("/")
	authed.Use(middleware.OptionalAuth(d.Auth))
	if d.Limiter != nil {
		authed.Use(middleware.Admission(d.Limiter, d.Bus))
	}

	if d.Chat != nil {
		authed.POST("/chat", d.Chat.HandleChatStream)
	}
	if d.Sessions != nil {
		authed.POST("/create_session", d.Sessions.CreateSession)
		authed.GET("/get_sessions", d.Sessions.GetSessions)
		authed.GET("/sessions/:threadId/messages", d.Sessions.GetSessionMessages)
		authed.DELETE("/sessions/:threadId", d.Sessions.DeleteSession)
	}

	v1 := router.Group("/v1")
	{
		if d.Documents != nil {
			docs := v1.Group("/documents")
			docs.Use(middleware.OptionalAuth(d.Auth))
			if d.Limiter != nil {
				docs.Use(middleware.Admission(d.Limiter, d.Bus))
			}
			docs.POST("", d.Documents.Upload)
			docs.GET("", d.Documents.List)
			docs.DELETE("", d.Documents.Delete)
		}

		if d.Tools != nil {
			v1.GET("/tools", d.Tools.GetTools)
			v1.POST("/tools/call", d.Tools.CallTool)
			v1.GET("/tools/instructions", d.Tools.GetInstructions)
		}
		if d.ToolSocket != nil {
			v1.GET("/tools/ws", d.ToolSocket.Handle)
		}
		if d.Events != nil {
			v1.GET("/events/ws", d.Events.Handle)
		}

		if d.Keys != nil {
			keys := v1.Group("/keys")
			keys.Use(middleware.OptionalAuth(d.Auth))
			keys.POST("", d.Keys.Create)
			keys.GET("", d.Keys.List)
			keys.POST("/:keyId/status", d.Keys.SetStatus)
		}

		if d.Usage != nil {
			v1.GET("/usage/summary", middleware.OptionalAuth(d.Auth), d.Usage.Summary)
		}

		if d.Collections != nil {
			cols := v1.Group("/collections")
			cols.Use(middleware.OptionalAuth(d.Auth))
			cols.GET("/summary", d.Collections.Summary)
			cols.POST("/replace", d.Collections.Replace)
		}
	}
}
