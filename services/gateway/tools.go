// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/retriever"
)

const (
	// maxSearchTopK bounds how many entries one tool call can pull.
	maxSearchTopK = 50

	// answerMaxTokens is the response budget for get_context_answer.
	answerMaxTokens = 512

	// answerCallTimeout bounds the model call inside get_context_answer.
	answerCallTimeout = 30 * time.Second
)

// catalog returns every tool the gateway serves, in the order the
// instructions text introduces them.
func (g *Gateway) catalog() []Tool {
	return []Tool{
		{
			Name:        "create_agent",
			Description: "Register a new memory agent owned by the calling user. The returned agent_id is the handle for every other memory tool.",
			Parameters: schema([]string{"agent_name"}, map[string]any{
				"agent_name":  prop("string", "Human-readable agent name; the slug is derived from it"),
				"description": prop("string", "What this agent is for"),
				"permissions": stringArray("Tool names this agent's keys may call; empty grants all"),
				"metadata":    map[string]any{"type": "object", "description": "Free-form string labels"},
			}),
			Handler: g.createAgent,
		},
		{
			Name:        "list_agents",
			Description: "List every agent owned by the calling user.",
			Parameters:  schema(nil, map[string]any{}),
			Handler:     g.listAgents,
		},
		{
			Name:        "delete_agent",
			Description: "Delete an agent, its memory collection, and every entry in it. Irreversible.",
			Parameters: schema([]string{"agent_id"}, map[string]any{
				"agent_id": prop("string", "Agent to delete"),
			}),
			Handler: g.deleteAgent,
		},
		{
			Name:        "search_memory",
			Description: "Hybrid semantic and keyword search over one agent's memories. Returns scored entries, best first.",
			Parameters: schema([]string{"agent_id", "query"}, map[string]any{
				"agent_id":    prop("string", "Agent whose memories to search"),
				"query":       prop("string", "Natural-language query"),
				"top_k":       prop("integer", "Maximum results, default 10, capped at 50"),
				"memory_type": enumProp("Restrict to one memory type", datatypes.MemoryTypeEpisodic, datatypes.MemoryTypeSemantic, datatypes.MemoryTypeProcedural, datatypes.MemoryTypeWorking),
			}),
			Handler: g.searchMemory,
		},
		{
			Name:        "add_memory_direct",
			Description: "Store one memory entry verbatim, bypassing the extraction model. Use for facts the caller already has in final form.",
			Parameters: schema([]string{"agent_id", "content"}, map[string]any{
				"agent_id":    prop("string", "Agent that owns the memory"),
				"content":     prop("string", "The memory text, stated so it stands alone"),
				"memory_type": enumProp("Memory type, default semantic", datatypes.MemoryTypeEpisodic, datatypes.MemoryTypeSemantic, datatypes.MemoryTypeProcedural, datatypes.MemoryTypeWorking),
				"keywords":    stringArray("Search keywords"),
				"topic":       prop("string", "Topic label"),
				"persons":     stringArray("People the memory mentions"),
				"entities":    stringArray("Non-person entities the memory mentions"),
				"location":    prop("string", "Where it happened"),
				"timestamp":   prop("string", "RFC 3339 time the memory refers to; defaults to now"),
			}),
			Handler: g.addMemoryDirect,
		},
		{
			Name:        "auto_remember",
			Description: "Feed a dialogue exchange to the extraction model, which restates it as durable memory entries in the background.",
			Parameters: schema([]string{"agent_id", "user_message"}, map[string]any{
				"agent_id":          prop("string", "Agent that owns the memories"),
				"user_message":      prop("string", "What the user said"),
				"assistant_message": prop("string", "What the assistant replied, if anything"),
			}),
			Handler: g.autoRemember,
		},
		{
			Name:        "get_context_answer",
			Description: "Answer a question from one agent's memories: retrieve evidence, then generate a grounded answer with sources.",
			Parameters: schema([]string{"agent_id", "question"}, map[string]any{
				"agent_id": prop("string", "Agent whose memories to consult"),
				"question": prop("string", "The question to answer"),
				"top_k":    prop("integer", "Evidence entries to retrieve, default 10"),
			}),
			Handler: g.getContextAnswer,
		},
		{
			Name:        "session_start",
			Description: "Open a new chat session for the calling user and return its id.",
			Parameters:  schema(nil, map[string]any{}),
			Handler:     g.sessionStart,
		},
		{
			Name:        "session_end",
			Description: "Mark a chat session finished and release its cached history. Messages stay persisted.",
			Parameters: schema([]string{"session_id"}, map[string]any{
				"session_id": prop("string", "Session to end"),
			}),
			Handler: g.sessionEnd,
		},
		{
			Name:        "agent_stats",
			Description: "Report an agent's status and how many memory entries it holds.",
			Parameters: schema([]string{"agent_id"}, map[string]any{
				"agent_id": prop("string", "Agent to inspect"),
			}),
			Handler: g.agentStats,
		},
	}
}

// schema builds the JSON Schema object shape get_tools advertises.
func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func stringArray(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": desc}
}

func (g *Gateway) createAgent(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var req datatypes.CreateAgentRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	// The owner is always the authenticated caller, whatever the arguments
	// claim.
	req.UserID = caller.UserID
	if err := req.Validate(); err != nil {
		return nil, err
	}

	slug := datatypes.Slugify(req.AgentName)
	agentID, err := datatypes.NewAgentID(slug)
	if err != nil {
		return nil, err
	}
	limits := req.Limits
	limits.EnsureDefaults()

	agent := &datatypes.Agent{
		AgentID:     agentID,
		UserID:      caller.UserID,
		AgentName:   strings.TrimSpace(req.AgentName),
		AgentSlug:   slug,
		Description: req.Description,
		Permissions: req.Permissions,
		Limits:      limits,
		Metadata:    req.Metadata,
		Status:      datatypes.AgentStatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.registry.PutAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := g.memories.EnsureCollection(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent %s registered but collection creation failed: %w", agentID, err)
	}

	g.publish(events.KindIndexUpdated, agentID, map[string]any{"op": "collection_created"})
	slog.Info("Agent created",
		slog.String("agent_id", agentID), slog.String("user_id", caller.UserID))
	return agent, nil
}

func (g *Gateway) listAgents(ctx context.Context, caller *extensions.AuthInfo, _ json.RawMessage) (any, error) {
	agents, err := g.registry.ListAgents(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (g *Gateway) deleteAgent(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	agent, err := g.ownedAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	// Collection first, registry row last: the row is the source of truth,
	// so a partial failure leaves a retryable agent instead of orphaned
	// entries.
	if err := g.memories.DropCollection(ctx, agent.AgentID); err != nil {
		return nil, fmt.Errorf("collection drop failed, agent %s left registered: %w", agent.AgentID, err)
	}
	if err := g.registry.DeleteAgent(ctx, caller.UserID, agent.AgentID); err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.InvalidateTenant(agent.AgentID)
	}

	g.publish(events.KindIndexUpdated, agent.AgentID, map[string]any{"op": "collection_dropped"})
	slog.Info("Agent deleted",
		slog.String("agent_id", agent.AgentID), slog.String("user_id", caller.UserID))
	return map[string]any{"deleted": agent.AgentID}, nil
}

func (g *Gateway) searchMemory(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID    string `json:"agent_id"`
		Query      string `json:"query"`
		TopK       int    `json:"top_k"`
		MemoryType string `json:"memory_type"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return nil, errors.New("query is required")
	}
	if a.TopK > maxSearchTopK {
		a.TopK = maxSearchTopK
	}
	agent, err := g.activeAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	var filters *datatypes.SearchFilters
	if a.MemoryType != "" {
		filters = &datatypes.SearchFilters{MemoryType: a.MemoryType}
	}

	// Filtered searches bypass the semantic cache: its key is the query
	// text alone.
	if g.cache != nil && filters == nil {
		if hit, ok := g.cache.Get(agent.AgentID, a.Query); ok {
			g.publish(events.KindMemorySearched, agent.AgentID, map[string]any{
				"query": a.Query, "results": len(hit), "cached": true,
			})
			return map[string]any{"results": hit, "count": len(hit), "cached": true}, nil
		}
	}

	h, err := g.memories.Use(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	results, err := g.fetch.Retrieve(ctx, h, a.Query, retriever.Options{TopK: a.TopK, Filters: filters})
	if err != nil {
		return nil, err
	}
	if g.cache != nil && filters == nil {
		g.cache.Put(agent.AgentID, a.Query, results)
	}

	g.publish(events.KindMemorySearched, agent.AgentID, map[string]any{
		"query": a.Query, "results": len(results), "cached": false,
	})
	return map[string]any{"results": results, "count": len(results), "cached": false}, nil
}

func (g *Gateway) addMemoryDirect(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID    string   `json:"agent_id"`
		Content    string   `json:"content"`
		MemoryType string   `json:"memory_type"`
		Keywords   []string `json:"keywords"`
		Topic      string   `json:"topic"`
		Persons    []string `json:"persons"`
		Entities   []string `json:"entities"`
		Location   string   `json:"location"`
		Timestamp  string   `json:"timestamp"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	a.Content = strings.TrimSpace(a.Content)
	if a.Content == "" {
		return nil, errors.New("content is required")
	}
	agent, err := g.activeAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	entry := datatypes.MemoryEntry{
		TenantID:            agent.AgentID,
		LosslessRestatement: a.Content,
		Keywords:            a.Keywords,
		Timestamp:           a.Timestamp,
		Location:            a.Location,
		Topic:               a.Topic,
		Persons:             a.Persons,
		Entities:            a.Entities,
		MemoryType:          a.MemoryType,
		Source:              "direct",
	}
	// Direct writes default to the semantic type; the episodic default is
	// for dialogue-derived entries.
	if entry.MemoryType == "" {
		entry.MemoryType = datatypes.MemoryTypeSemantic
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	entry.EnsureDefaults()
	entry.EnsureID()
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	h, err := g.memories.Use(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	ids, err := g.memories.AddEntries(ctx, h, []datatypes.MemoryEntry{entry})
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.InvalidateTenant(agent.AgentID)
	}

	g.publish(events.KindMemoryAdded, agent.AgentID, map[string]any{
		"entries": len(ids), "source": "direct",
	})
	return map[string]any{"entry_ids": ids, "count": len(ids)}, nil
}

func (g *Gateway) autoRemember(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID          string `json:"agent_id"`
		UserMessage      string `json:"user_message"`
		AssistantMessage string `json:"assistant_message"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	user := strings.TrimSpace(a.UserMessage)
	if user == "" {
		return nil, errors.New("user_message is required")
	}
	if g.remember == nil {
		return nil, errors.New("memory capture is not configured")
	}
	agent, err := g.activeAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	// The extraction pipeline reads the store's current tenant; freezing
	// pins the selector so a concurrent switch cannot redirect the capture.
	release, err := g.memories.FreezeTenant(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	accepted := 0
	if err := g.remember.AddDialogue(ctx, datatypes.Dialogue{Speaker: "user", Content: user, Timestamp: now}); err != nil {
		return nil, err
	}
	accepted++
	if assistant := strings.TrimSpace(a.AssistantMessage); assistant != "" {
		if err := g.remember.AddDialogue(ctx, datatypes.Dialogue{Speaker: "assistant", Content: assistant, Timestamp: now}); err != nil {
			return nil, err
		}
		accepted++
	}
	if g.cache != nil {
		g.cache.InvalidateTenant(agent.AgentID)
	}

	g.publish(events.KindMemoryAdded, agent.AgentID, map[string]any{
		"messages": accepted, "source": "dialogue",
	})
	return map[string]any{"accepted": accepted}, nil
}

func (g *Gateway) getContextAnswer(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID  string `json:"agent_id"`
		Question string `json:"question"`
		TopK     int    `json:"top_k"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	a.Question = strings.TrimSpace(a.Question)
	if a.Question == "" {
		return nil, errors.New("question is required")
	}
	if g.generate == nil {
		return nil, errors.New("answer generation is not configured")
	}
	if a.TopK > maxSearchTopK {
		a.TopK = maxSearchTopK
	}
	agent, err := g.activeAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	h, err := g.memories.Use(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	evidence, err := g.fetch.Retrieve(ctx, h, a.Question, retriever.Options{
		TopK:           a.TopK,
		EnablePlanning: true,
	})
	if err != nil {
		return nil, err
	}

	g.publish(events.KindContextQuery, agent.AgentID, map[string]any{
		"question": a.Question, "evidence": len(evidence),
	})

	// No evidence means no model call: an answer invented from nothing is
	// worse than an empty one.
	if len(evidence) == 0 {
		return map[string]any{"answer": "", "sources": []string{}, "evidence_count": 0}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, answerCallTimeout)
	defer cancel()
	answer, err := g.generate(callCtx, answerPrompt(a.Question, evidence), answerMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	sources := make([]string, 0, len(evidence))
	for _, e := range evidence {
		sources = append(sources, e.Entry.EntryID)
	}
	return map[string]any{
		"answer":         strings.TrimSpace(answer),
		"sources":        sources,
		"evidence_count": len(evidence),
	}, nil
}

func answerPrompt(question string, evidence []datatypes.ScoredEntry) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the memories below. If they do not contain the answer, say so plainly.\n\nMemories:\n")
	for i, e := range evidence {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e.Entry.LosslessRestatement)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\nAnswer:", question)
	return b.String()
}

func (g *Gateway) sessionStart(ctx context.Context, caller *extensions.AuthInfo, _ json.RawMessage) (any, error) {
	sess, err := g.registry.CreateSession(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	g.publish(events.KindSessionStarted, "", map[string]any{
		"session_id": sess.SessionID, "user_id": caller.UserID,
	})
	return sess, nil
}

func (g *Gateway) sessionEnd(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return nil, errors.New("session_id is required")
	}
	sess, err := g.registry.GetSession(ctx, caller.UserID, a.SessionID)
	if err != nil {
		return nil, err
	}
	if g.history != nil {
		g.history.Forget(caller.UserID, sess.SessionID)
	}

	g.publish(events.KindSessionEnded, "", map[string]any{
		"session_id": sess.SessionID, "user_id": caller.UserID,
	})
	return map[string]any{"ended": sess.SessionID}, nil
}

func (g *Gateway) agentStats(ctx context.Context, caller *extensions.AuthInfo, args json.RawMessage) (any, error) {
	var a struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	agent, err := g.ownedAgent(ctx, caller, a.AgentID)
	if err != nil {
		return nil, err
	}

	h, err := g.memories.Use(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	count, err := g.memories.Count(ctx, h)
	if err != nil {
		return nil, err
	}

	g.publish(events.KindAgentHeartbeat, agent.AgentID, map[string]any{"entries": count})
	return datatypes.AgentStats{
		AgentID:    agent.AgentID,
		AgentName:  agent.AgentName,
		Status:     agent.Status,
		EntryCount: count,
		CreatedAt:  agent.CreatedAt,
	}, nil
}

const instructionsText = `Engram tool surface. Every call needs an API key; pass it as a bearer token
over HTTP or as the api_key field on WebSocket RPCs.

Start by registering an agent with create_agent. The returned agent_id is the
handle for every memory tool and names the collection your memories live in.
One user can own many agents; agents never see each other's memories.

Recording memories:
  auto_remember      hand over a raw dialogue exchange; an extraction model
                     restates it as durable entries in the background.
  add_memory_direct  store one entry verbatim when you already have the fact
                     in final form.

Recalling memories:
  search_memory      hybrid semantic and keyword search, scored entries back.
  get_context_answer ask a question; retrieval plus a grounded generated
                     answer with source entry ids.

Sessions group chat turns: session_start before a conversation, session_end
after. agent_stats reports entry counts, list_agents and delete_agent manage
the registry. delete_agent also drops the agent's collection and cannot be
undone.

Call get_tools for each tool's parameter schema.`
