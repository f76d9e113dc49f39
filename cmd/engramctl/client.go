// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

const defaultServerURL = "http://localhost:12210"

// apiClient is a thin JSON client for the orchestrator's HTTP surface.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *apiClient {
	base := flagURL
	if base == "" {
		base = os.Getenv("ENGRAM_URL")
	}
	if base == "" {
		base = defaultServerURL
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: os.Getenv("ENGRAM_API_KEY"),
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		// Error bodies are {"ok":false,"error":...}; surface the message
		// when present, the raw body otherwise.
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

// checkServer probes /health and warns when the server's major version
// differs from the CLI's. A mismatch is advisory: commands still run.
func (c *apiClient) checkServer(ctx context.Context) {
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		ux.Warning(fmt.Sprintf("Health check failed: %v", err))
		return
	}
	if health.Status == "degraded" {
		ux.Warning("Server reports degraded status")
	}

	server := health.Version
	if !strings.HasPrefix(server, "v") {
		server = "v" + server
	}
	if !semver.IsValid(server) {
		return
	}
	if semver.Major(server) != semver.Major(cliVersion) {
		ux.Warning(fmt.Sprintf("Server version %s does not match CLI %s; some commands may misbehave",
			health.Version, cliVersion))
	}
}
