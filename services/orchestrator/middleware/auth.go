// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// Two concerns live here. Authentication extracts a bearer token from the
// Authorization header, validates it against the configured AuthProvider,
// and stores the resulting AuthInfo in the Gin context for handlers.
// Admission applies per-key rate limits to authenticated requests before
// any handler work starts.
//
// Authentication failures answer 401 with the provider's exact sentinel
// message: clients match on "API key required", "Invalid API key", and
// "API key is not active", so the strings pass through unaltered. Provider
// failures that are not auth sentinels answer a generic message instead.
//
// The tool gateway endpoints do not mount these middlewares: the gateway
// runs its own authenticate-admit-dispatch bracket so HTTP and WebSocket
// callers get identical treatment, and mounting admission here as well
// would charge every tool call twice.
package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/ratelimit"
)

// authInfoKey is the Gin context key for the authenticated identity.
const authInfoKey = "engram_auth_info"

// Admitter is the slice of the rate limiter the admission middleware uses.
type Admitter interface {
	AllowRequest(keyID string, limits datatypes.RateLimits, estTokens int) bool
	EndRequest(keyID string)
}

// Publisher is the slice of the event bus the admission middleware uses.
type Publisher interface {
	Publish(e events.Event)
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated identity in the Gin context. Called
// by the auth middlewares; handlers read it back via GetAuthInfo.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated identity, or nil when the request
// is anonymous or no auth middleware ran.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if v, exists := c.Get(authInfoKey); exists {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// RequireAuth authenticates every request. A missing, unknown, or inactive
// key aborts with 401 and the provider's sentinel message.
func RequireAuth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrResult(authMessage(err)))
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

// OptionalAuth authenticates requests that present a bearer token and lets
// anonymous requests through with no identity. A token that is present but
// invalid still aborts with 401: silently downgrading a bad key to
// anonymous would mask misconfigured clients.
func OptionalAuth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.Next()
			return
		}
		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrResult(authMessage(err)))
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

// authMessage maps a validation error to the client-facing message. The
// auth sentinels pass through verbatim; anything else (store failures,
// timeouts) collapses to a generic message so internals stay internal.
func authMessage(err error) string {
	if errors.Is(err, auth.ErrKeyRequired) ||
		errors.Is(err, auth.ErrKeyInvalid) ||
		errors.Is(err, auth.ErrKeyInactive) {
		return err.Error()
	}
	return "authentication failed"
}

// =============================================================================
// Admission Middleware
// =============================================================================

// Admission applies the key's rate limits to authenticated requests. The
// concurrency slot is held for the handler's full duration, so a streaming
// response occupies its slot until the stream closes. Anonymous requests
// pass through unlimited; identity-free surfaces are deployment-local.
//
// Denials answer 429 with the exact message "rate limit exceeded" and
// publish a ratelimit.denied event. bus may be nil.
func Admission(limiter Admitter, bus Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil || info.KeyID == "" {
			c.Next()
			return
		}

		est := ratelimit.EstimateTokens(peekBody(c))
		if !limiter.AllowRequest(info.KeyID, auth.LimitsFrom(info), est) {
			if bus != nil {
				bus.Publish(events.Event{
					Type:     events.KindRateLimitDenied,
					TenantID: info.UserID,
					Data: map[string]any{
						"key_id": info.KeyID,
						"path":   c.FullPath(),
					},
				})
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				datatypes.ErrResult(datatypes.ErrMsgRateLimitExceeded))
			return
		}
		defer limiter.EndRequest(info.KeyID)
		c.Next()
	}
}

// peekBody reads the request body for token estimation and restores it so
// the handler can bind it normally. Bodies on this surface are bounded by
// request validation, so buffering them whole is fine.
func peekBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
	return string(raw)
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken pulls the token out of "Authorization: Bearer <token>".
// Returns empty on a missing or malformed header. The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
