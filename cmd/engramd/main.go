// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command engramd starts the EngramLocal orchestrator HTTP server.
//
// Configuration comes from environment variables; the server listens until
// SIGINT or SIGTERM and then drains gracefully.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: LLM provider - local, openai, ollama, claude (default: local)
//   - ENGRAM_DATA_DIR: badger store directory (required)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional; unset runs lightweight)
//   - EMBEDDING_SERVICE_URL: embedding service URL (optional)
//   - SESSION_TTL_DAYS: session retention, 0 disables the sweep (default: 30)
//   - ENGRAM_LOG_DIR: also write JSON logs to this directory (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o engramd ./cmd/engramd
//
//	# Run
//	./engramd
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EngramAI/EngramLocal/pkg/logging"
	"github.com/EngramAI/EngramLocal/services/orchestrator"
	"github.com/EngramAI/EngramLocal/services/orchestrator/handlers"
)

const stopTimeout = 30 * time.Second

func main() {
	logger := logging.New(logging.Config{
		Service: "engramd",
		JSON:    true,
		LogDir:  os.Getenv("ENGRAM_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.ConfigFromEnv()

	// Default (no-op) extension options; enterprise builds pass their own.
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Orchestrator error: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		slog.Error("Shutdown did not complete cleanly", "error", err)
	}

	// Chat responses pass through locked buffers; wipe them before exit.
	handlers.PurgeSecureMemory()
}
