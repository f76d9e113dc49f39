// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuthProvider is a configurable mock for testing.
type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
	calls    int
}

func (m *mockAuthProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

// mockAdmitter records admission calls and answers with a fixed verdict.
type mockAdmitter struct {
	allow     bool
	allowKeys []string
	estTokens []int
	endKeys   []string
}

func (m *mockAdmitter) AllowRequest(keyID string, _ datatypes.RateLimits, estTokens int) bool {
	m.allowKeys = append(m.allowKeys, keyID)
	m.estTokens = append(m.estTokens, estTokens)
	return m.allow
}

func (m *mockAdmitter) EndRequest(keyID string) {
	m.endKeys = append(m.endKeys, keyID)
}

// mockPublisher captures published events.
type mockPublisher struct {
	published []events.Event
}

func (m *mockPublisher) Publish(e events.Event) {
	m.published = append(m.published, e)
}

func authedInfo(userID, keyID string) *extensions.AuthInfo {
	return &extensions.AuthInfo{UserID: userID, KeyID: keyID}
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken_ValidToken(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "Bearer sk_engram_abc123")

	assert.Equal(t, "sk_engram_abc123", extractBearerToken(c))
}

func TestExtractBearerToken_MissingHeader(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)

	assert.Empty(t, extractBearerToken(c))
}

func TestExtractBearerToken_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "abc123"},
		{"basic auth", "Basic abc123"},
		{"empty bearer", "Bearer "},
		{"only bearer", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			c.Request.Header.Set("Authorization", tt.header)

			assert.Empty(t, extractBearerToken(c))
		})
	}
}

func TestExtractBearerToken_CaseInsensitive(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"lowercase", "bearer abc123"},
		{"uppercase", "BEARER abc123"},
		{"mixed case", "BeArEr abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			c.Request.Header.Set("Authorization", tt.header)

			assert.Equal(t, "abc123", extractBearerToken(c))
		})
	}
}

// =============================================================================
// RequireAuth Tests
// =============================================================================

func TestRequireAuth_Success(t *testing.T) {
	provider := &mockAuthProvider{authInfo: authedInfo("user-123", "key_abc")}

	router := gin.New()
	router.Use(RequireAuth(provider))
	router.GET("/test", func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		c.JSON(http.StatusOK, gin.H{"user_id": info.UserID})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-123")
}

func TestRequireAuth_SentinelMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"missing key", auth.ErrKeyRequired, datatypes.ErrMsgAPIKeyRequired},
		{"unknown key", auth.ErrKeyInvalid, datatypes.ErrMsgInvalidAPIKey},
		{"inactive key", auth.ErrKeyInactive, datatypes.ErrMsgAPIKeyNotActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(RequireAuth(&mockAuthProvider{err: tt.err}))
			router.GET("/test", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Authorization", "Bearer whatever")
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"ok":false,"error":"`+tt.message+`"}`, w.Body.String())
		})
	}
}

func TestRequireAuth_ProviderErrorIsGeneric(t *testing.T) {
	router := gin.New()
	router.Use(RequireAuth(&mockAuthProvider{err: errors.New("badger: connection refused")}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"ok":false,"error":"authentication failed"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "badger")
}

// =============================================================================
// OptionalAuth Tests
// =============================================================================

func TestOptionalAuth_NoTokenIsAnonymous(t *testing.T) {
	provider := &mockAuthProvider{err: auth.ErrKeyRequired}

	router := gin.New()
	router.Use(OptionalAuth(provider))
	router.GET("/test", func(c *gin.Context) {
		assert.Nil(t, GetAuthInfo(c))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, provider.calls, "anonymous requests should not hit the provider")
}

func TestOptionalAuth_ValidTokenSetsIdentity(t *testing.T) {
	provider := &mockAuthProvider{authInfo: authedInfo("user-9", "key_9")}

	router := gin.New()
	router.Use(OptionalAuth(provider))
	router.GET("/test", func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		assert.Equal(t, "key_9", info.KeyID)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tok")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuth_BadTokenStillRejected(t *testing.T) {
	router := gin.New()
	router.Use(OptionalAuth(&mockAuthProvider{err: auth.ErrKeyInvalid}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer forged")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"ok":false,"error":"`+datatypes.ErrMsgInvalidAPIKey+`"}`, w.Body.String())
}

// =============================================================================
// Admission Tests
// =============================================================================

func setIdentity(info *extensions.AuthInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		SetAuthInfo(c, info)
		c.Next()
	}
}

func TestAdmission_AnonymousPassesThrough(t *testing.T) {
	admitter := &mockAdmitter{allow: false}

	router := gin.New()
	router.Use(Admission(admitter, nil))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, admitter.allowKeys, "anonymous requests bypass the limiter")
}

func TestAdmission_AllowedReleasesSlotAfterHandler(t *testing.T) {
	admitter := &mockAdmitter{allow: true}
	handlerRan := false

	router := gin.New()
	router.Use(setIdentity(authedInfo("user-1", "key_1")), Admission(admitter, nil))
	router.POST("/test", func(c *gin.Context) {
		handlerRan = true
		assert.Empty(t, admitter.endKeys, "slot must be held while the handler runs")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", strings.NewReader("hello world!"))
	router.ServeHTTP(w, req)

	assert.True(t, handlerRan)
	assert.Equal(t, []string{"key_1"}, admitter.allowKeys)
	assert.Equal(t, []string{"key_1"}, admitter.endKeys)
}

func TestAdmission_EstimatesTokensFromBody(t *testing.T) {
	admitter := &mockAdmitter{allow: true}
	var seenBody string

	router := gin.New()
	router.Use(setIdentity(authedInfo("user-1", "key_1")), Admission(admitter, nil))
	router.POST("/test", func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		seenBody = string(raw)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", strings.NewReader("twelve bytes"))
	router.ServeHTTP(w, req)

	require.Len(t, admitter.estTokens, 1)
	assert.Equal(t, 3, admitter.estTokens[0])
	assert.Equal(t, "twelve bytes", seenBody, "handler must still see the full body")
}

func TestAdmission_DeniedAnswers429AndPublishes(t *testing.T) {
	admitter := &mockAdmitter{allow: false}
	bus := &mockPublisher{}
	handlerRan := false

	router := gin.New()
	router.Use(setIdentity(authedInfo("user-2", "key_2")), Admission(admitter, bus))
	router.POST("/test", func(c *gin.Context) {
		handlerRan = true
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", strings.NewReader("spam"))
	router.ServeHTTP(w, req)

	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"ok":false,"error":"`+datatypes.ErrMsgRateLimitExceeded+`"}`, w.Body.String())
	assert.Empty(t, admitter.endKeys, "denied requests never held a slot")

	require.Len(t, bus.published, 1)
	assert.Equal(t, events.KindRateLimitDenied, bus.published[0].Type)
	assert.Equal(t, "user-2", bus.published[0].TenantID)
	assert.Equal(t, "key_2", bus.published[0].Data["key_id"])
}

// =============================================================================
// Context Helper Tests
// =============================================================================

func TestSetAndGetAuthInfo(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	expected := authedInfo("test-user", "key_t")
	SetAuthInfo(c, expected)
	actual := GetAuthInfo(c)

	require.NotNil(t, actual)
	assert.Equal(t, expected.UserID, actual.UserID)
	assert.Equal(t, expected.KeyID, actual.KeyID)
}

func TestGetAuthInfo_NotSet(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Nil(t, GetAuthInfo(c))
}

func TestGetAuthInfo_WrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(authInfoKey, "not an AuthInfo")

	assert.Nil(t, GetAuthInfo(c))
}
