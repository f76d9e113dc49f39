// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the agent-facing tool surface: a named catalog of memory
// and session operations dispatched behind API-key authentication and per-key
// rate limits. The gateway is transport-free; the HTTP and WebSocket RPC
// endpoints in the orchestrator both call into it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/ratelimit"
	"github.com/EngramAI/EngramLocal/services/retriever"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

var tracer = otel.Tracer("engram.gateway")

// ErrUnknownTool marks calls naming a tool outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call for an authenticated caller. The raw
// arguments are decoded by each handler into its own request shape.
type Handler func(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error)

// Tool couples a catalog entry with its handler. Parameters follows the JSON
// Schema object shape so clients can validate arguments before calling.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// ToolInfo is the discovery view of a tool, without the handler.
type ToolInfo struct {
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry is the slice of the relational store the tools touch: agent
// records and session records.
type Registry interface {
	PutAgent(ctx context.Context, agent *datatypes.Agent) error
	GetAgent(ctx context.Context, userID, agentID string) (*datatypes.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]datatypes.Agent, error)
	DeleteAgent(ctx context.Context, userID, agentID string) error
	CreateSession(ctx context.Context, userID string) (*datatypes.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*datatypes.Session, error)
}

// MemoryStore is the slice of the vector store the tools touch.
type MemoryStore interface {
	Use(ctx context.Context, tenantID string) (vectorstore.CollectionHandle, error)
	FreezeTenant(ctx context.Context, tenantID string) (func(), error)
	EnsureCollection(ctx context.Context, tenantID string) error
	DropCollection(ctx context.Context, tenantID string) error
	Count(ctx context.Context, h vectorstore.CollectionHandle) (int64, error)
	AddEntries(ctx context.Context, h vectorstore.CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error)
}

// Fetcher answers retrieval queries against a collection handle.
type Fetcher interface {
	Retrieve(ctx context.Context, h vectorstore.CollectionHandle, query string, opts retriever.Options) ([]datatypes.ScoredEntry, error)
}

// Rememberer feeds raw dialogue into the memory extraction pipeline.
type Rememberer interface {
	AddDialogue(ctx context.Context, d datatypes.Dialogue) error
}

// GenerateFunc invokes the model with a prompt and a response token budget.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Admitter is the slice of the rate limiter the gateway consults per call.
type Admitter interface {
	AllowRequest(keyID string, limits datatypes.RateLimits, estTokens int) bool
	EndRequest(keyID string)
}

// Publisher receives gateway activity events.
type Publisher interface {
	Publish(e events.Event)
}

// ResultCache is the slice of the semantic cache search_memory consults.
type ResultCache interface {
	Get(tenantID, query string) ([]datatypes.ScoredEntry, bool)
	Put(tenantID, query string, results []datatypes.ScoredEntry)
	InvalidateTenant(tenantID string)
}

// Forgetter releases cached chat history when a session ends.
type Forgetter interface {
	Forget(userID, sessionID string)
}

// Config wires a Gateway. Auth, Registry, Memories and Fetcher are required;
// the remaining dependencies are optional and their tools degrade without
// them.
type Config struct {
	Auth       extensions.AuthProvider
	Registry   Registry
	Memories   MemoryStore
	Fetcher    Fetcher
	Rememberer Rememberer
	Generate   GenerateFunc
	Limiter    Admitter
	Bus        Publisher
	Cache      ResultCache
	History    Forgetter
}

// Gateway dispatches tool calls. Safe for concurrent use.
type Gateway struct {
	authn    extensions.AuthProvider
	registry Registry
	memories MemoryStore
	fetch    Fetcher
	remember Rememberer
	generate GenerateFunc
	limiter  Admitter
	bus      Publisher
	cache    ResultCache
	history  Forgetter

	tools map[string]Tool
}

// New builds a gateway with the full tool catalog.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Auth == nil:
		return nil, errors.New("gateway: auth provider is required")
	case cfg.Registry == nil:
		return nil, errors.New("gateway: registry is required")
	case cfg.Memories == nil:
		return nil, errors.New("gateway: memory store is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("gateway: fetcher is required")
	}

	g := &Gateway{
		authn:    cfg.Auth,
		registry: cfg.Registry,
		memories: cfg.Memories,
		fetch:    cfg.Fetcher,
		remember: cfg.Rememberer,
		generate: cfg.Generate,
		limiter:  cfg.Limiter,
		bus:      cfg.Bus,
		cache:    cfg.Cache,
		history:  cfg.History,
		tools:    make(map[string]Tool),
	}
	for _, t := range g.catalog() {
		g.tools[t.Name] = t
	}
	return g, nil
}

// Authenticate validates a bearer token. Discovery actions use this directly;
// Call performs it as its first step.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	return g.authn.Validate(ctx, token)
}

// Call runs one tool call end to end: authenticate, admit against the key's
// limits, dispatch, release the concurrency slot on return. Errors from any
// stage are returned unwrapped so transports can map them to status codes.
func (g *Gateway) Call(ctx context.Context, token, tool string, args json.RawMessage) (any, error) {
	ctx, span := tracer.Start(ctx, "gateway.Call")
	defer span.End()
	span.SetAttributes(attribute.String("tool", tool))

	caller, err := g.authn.Validate(ctx, token)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	t, ok := g.tools[tool]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownTool, tool)
		span.RecordError(err)
		return nil, err
	}
	if !caller.HasPermission(tool) {
		err := fmt.Errorf("%w: missing permission %q", extensions.ErrUnauthorized, tool)
		span.RecordError(err)
		return nil, err
	}

	if g.limiter != nil {
		if !g.limiter.AllowRequest(caller.KeyID, auth.LimitsFrom(caller), ratelimit.EstimateTokens(string(args))) {
			g.publish(events.KindRateLimitDenied, "", map[string]any{
				"key_id": caller.KeyID,
				"tool":   tool,
			})
			span.RecordError(extensions.ErrRateLimited)
			return nil, extensions.ErrRateLimited
		}
		defer g.limiter.EndRequest(caller.KeyID)
	}

	result, err := g.invoke(ctx, t, caller, args)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// invoke runs the handler behind a recover so one bad tool cannot take the
// transport down with it.
func (g *Gateway) invoke(ctx context.Context, t Tool, caller *extensions.AuthInfo, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool handler panicked",
				slog.String("tool", t.Name), slog.Any("panic", r))
			result = nil
			err = fmt.Errorf("tool %s failed internally", t.Name)
		}
	}()
	return t.Handler(ctx, caller, args)
}

// Tools returns the catalog keyed by tool name.
func (g *Gateway) Tools() map[string]ToolInfo {
	out := make(map[string]ToolInfo, len(g.tools))
	for name, t := range g.tools {
		out[name] = ToolInfo{Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

// Instructions returns the usage text served to agent clients.
func (g *Gateway) Instructions() string {
	return instructionsText
}

func (g *Gateway) publish(kind events.Kind, tenantID string, data map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Type: kind, TenantID: tenantID, Data: data})
}

// ownedAgent loads an agent and implicitly checks ownership: agent records
// are keyed by owner, so another user's agent reads as not found.
func (g *Gateway) ownedAgent(ctx context.Context, caller *extensions.AuthInfo, agentID string) (*datatypes.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agent_id is required")
	}
	return g.registry.GetAgent(ctx, caller.UserID, agentID)
}

// activeAgent is ownedAgent plus the status gate used by memory operations.
func (g *Gateway) activeAgent(ctx context.Context, caller *extensions.AuthInfo, agentID string) (*datatypes.Agent, error) {
	agent, err := g.ownedAgent(ctx, caller, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsActive() {
		return nil, fmt.Errorf("agent %s is disabled", agent.AgentID)
	}
	return agent, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
