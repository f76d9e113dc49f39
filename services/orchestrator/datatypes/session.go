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
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// =============================================================================
// Message Roles
// =============================================================================

// Message roles. "human" is the end user, "llm" is the assistant, and "note"
// is an out-of-band annotation injected by tools (never shown as a turn).
const (
	RoleHuman = "human"
	RoleLLM   = "llm"
	RoleNote  = "note"
)

// ValidRole reports whether role is one of the accepted message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleHuman, RoleLLM, RoleNote:
		return true
	}
	return false
}

// SessionTitleLength is how many characters of the first message become the
// session title.
const SessionTitleLength = 50

// =============================================================================
// Session Record
// =============================================================================

// Session is one chat thread between a user and the assistant. The record
// itself is small; messages live in their own rows keyed by session.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch advances UpdatedAt to now.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// TitleFromContent derives a session title from the first message: the first
// SessionTitleLength characters, whitespace-collapsed. Rune-aware so a
// multibyte character is never split.
func TitleFromContent(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(collapsed) <= SessionTitleLength {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:SessionTitleLength])
}

// =============================================================================
// Chat Message Record
// =============================================================================

// ChatMessage is one persisted message within a session.
//
// Messages are append-only: the store never rewrites a message after it is
// written. Ordering within a session is the append order; the background
// persist task serializes the user message before the assistant message so
// readers always see them in logical order.
type ChatMessage struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the message fields the store relies on.
func (m *ChatMessage) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("chat message validation failed: session_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("chat message validation failed: user_id is required")
	}
	if !ValidRole(m.Role) {
		return fmt.Errorf("chat message validation failed: unknown role %q", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("chat message validation failed: content is empty")
	}
	return nil
}

// EnsureTimestamp stamps the message with the current time if the caller
// left it zero.
func (m *ChatMessage) EnsureTimestamp() {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

// =============================================================================
// Session API Shapes
// =============================================================================

// CreateSessionRequest is the body of POST /v1/create_session.
type CreateSessionRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// Validate checks the request fields.
func (r *CreateSessionRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("create session validation failed: %w", err)
	}
	return nil
}

// CreateSessionResponse is returned by POST /v1/create_session.
type CreateSessionResponse struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionMessagesResponse is returned by GET /v1/sessions/:thread_id/messages.
type SessionMessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
}
