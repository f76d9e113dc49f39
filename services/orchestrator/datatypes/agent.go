// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package datatypes

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Agent statuses. A disabled agent keeps its collection but rejects all
// memory operations until re-enabled.
const (
	AgentStatusActive   = "active"
	AgentStatusDisabled = "disabled"
)

// Agent is a registered memory tenant. The agent's identifier doubles as the
// vector-store collection name, so deleting an agent also drops its
// collection and every entry in it.
type Agent struct {
	AgentID     string            `json:"agent_id"`
	UserID      string            `json:"user_id"`
	AgentName   string            `json:"agent_name"`
	AgentSlug   string            `json:"agent_slug"`
	Description string            `json:"description,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Limits      RateLimits        `json:"limits"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// IsActive reports whether the agent accepts memory operations.
func (a *Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}

// Validate checks the fields the registry relies on.
func (a *Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agent validation failed: agent_id is required")
	}
	if a.UserID == "" {
		return fmt.Errorf("agent validation failed: user_id is required")
	}
	if strings.TrimSpace(a.AgentName) == "" {
		return fmt.Errorf("agent validation failed: agent_name is required")
	}
	if a.Status != AgentStatusActive && a.Status != AgentStatusDisabled {
		return fmt.Errorf("agent validation failed: unknown status %q", a.Status)
	}
	return nil
}

// Slugify reduces an agent name to a lowercase identifier-safe slug:
// letters and digits survive, every other run collapses to one underscore.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}

// NewAgentID derives a collection-safe identifier from a slug plus a short
// random suffix so two agents with the same name never collide.
func NewAgentID(slug string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to gather agent id entropy: %w", err)
	}
	if slug == "" {
		slug = "agent"
	}
	return slug + "_" + hex.EncodeToString(buf), nil
}

// CreateAgentRequest is the body of POST /v1/agents and the argument shape
// of the create_agent tool.
type CreateAgentRequest struct {
	UserID      string            `json:"user_id" validate:"required,max=128"`
	AgentName   string            `json:"agent_name" validate:"required,min=1,max=128"`
	Description string            `json:"description,omitempty" validate:"omitempty,max=1024"`
	Permissions []string          `json:"permissions,omitempty"`
	Limits      RateLimits        `json:"limits,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request fields.
func (r *CreateAgentRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("create agent validation failed: %w", err)
	}
	return nil
}

// AgentStats summarizes one agent for the agent_stats tool.
type AgentStats struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	Status     string    `json:"status"`
	EntryCount int64     `json:"entry_count"`
	CreatedAt  time.Time `json:"created_at"`
}
