// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integration exercises a full orchestrator instance end to end,
// in lightweight mode: a real badger store, no Weaviate, no embedding
// service, no reachable model backend.
//
// Gated behind ENGRAM_INTEGRATION=1 so the ordinary unit run stays fast:
//
//	ENGRAM_INTEGRATION=1 go test ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EngramAI/EngramLocal/services/orchestrator"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

func TestOrchestratorLightweight(t *testing.T) {
	if os.Getenv("ENGRAM_INTEGRATION") != "1" {
		t.Skip("set ENGRAM_INTEGRATION=1 to run integration tests")
	}

	t.Setenv("ENGRAM_DATA_DIR", t.TempDir())
	// Construction only validates the URL; nothing dials until a chat runs.
	t.Setenv("LLM_SERVICE_URL_BASE", "http://127.0.0.1:9/llm")
	t.Setenv("WEAVIATE_SERVICE_URL", "")
	t.Setenv("EMBEDDING_SERVICE_URL", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")

	svc, err := orchestrator.New(orchestrator.Config{
		LLMBackend: "local",
		GinMode:    gin.TestMode,
		DisableTTL: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	router := svc.Router()

	do := func(method, path, token string, body any) *httptest.ResponseRecorder {
		t.Helper()
		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("health reports lightweight mode", func(t *testing.T) {
		w := do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "ok", resp.Components["store"])
		assert.Equal(t, "disabled", resp.Components["vectorstore"])
	})

	var apiKey string
	t.Run("key lifecycle", func(t *testing.T) {
		w := do(http.MethodPost, "/v1/keys", "", datatypes.CreateAPIKeyRequest{
			UserID: "itest-user",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var created datatypes.CreateAPIKeyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		require.NotEmpty(t, created.APIKey)
		apiKey = created.APIKey

		w = do(http.MethodGet, "/v1/keys?id=itest-user", apiKey, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), created.KeyID)
		assert.NotContains(t, w.Body.String(), apiKey)
	})

	t.Run("session lifecycle under auth", func(t *testing.T) {
		w := do(http.MethodPost, "/create_session", apiKey, datatypes.CreateSessionRequest{
			UserID: "itest-user",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var created struct {
			ThreadID string `json:"thread_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		require.NotEmpty(t, created.ThreadID)

		w = do(http.MethodGet, "/get_sessions?id=itest-user", apiKey, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), created.ThreadID)

		// An authenticated caller cannot read someone else's sessions.
		w = do(http.MethodGet, "/get_sessions?id=other-user", apiKey, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = do(http.MethodDelete, "/sessions/"+created.ThreadID+"?id=itest-user", apiKey, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = do(http.MethodGet, "/get_sessions?id=itest-user", apiKey, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), created.ThreadID)
	})

	t.Run("usage summary answers without influx", func(t *testing.T) {
		w := do(http.MethodGet, "/v1/usage/summary?window=1h", apiKey, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "window_seconds")
	})
}
