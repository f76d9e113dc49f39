// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the memory service: the relational and
// vector stores, the model clients, the memory pipeline, the tool gateway,
// and the HTTP surface that fronts them.
//
// Construction is dependency-ordered and degrades deliberately: the badger
// store is required, while the embedding service and Weaviate are optional.
// Without them the service runs in lightweight mode - chat still streams and
// sessions persist, but nothing is retrievable as memory and the document,
// tool, and collection surfaces are not mounted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/pkg/telemetry"
	"github.com/EngramAI/EngramLocal/services/auth"
	"github.com/EngramAI/EngramLocal/services/chunker"
	"github.com/EngramAI/EngramLocal/services/embedding"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/gateway"
	"github.com/EngramAI/EngramLocal/services/history"
	"github.com/EngramAI/EngramLocal/services/llm"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/memory"
	"github.com/EngramAI/EngramLocal/services/orchestrator/handlers"
	"github.com/EngramAI/EngramLocal/services/orchestrator/observability"
	"github.com/EngramAI/EngramLocal/services/orchestrator/routes"
	orchsvc "github.com/EngramAI/EngramLocal/services/orchestrator/services"
	"github.com/EngramAI/EngramLocal/services/orchestrator/ttl"
	"github.com/EngramAI/EngramLocal/services/policy_engine"
	"github.com/EngramAI/EngramLocal/services/ratelimit"
	"github.com/EngramAI/EngramLocal/services/retriever"
	"github.com/EngramAI/EngramLocal/services/rewriter"
	"github.com/EngramAI/EngramLocal/services/semcache"
	"github.com/EngramAI/EngramLocal/services/store"
	"github.com/EngramAI/EngramLocal/services/tasks"
	"github.com/EngramAI/EngramLocal/services/usage"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// Version is the service version reported by /health and stamped on traces.
const Version = "1.0.0"

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultPort = 12210

	// History cache tuning: messages kept per session, sessions per user.
	historyPerSession     = 30
	historySessionsPerUser = 16

	// Semantic cache: entries across tenants, similarity floor for a hit.
	semcacheCapacity  = 300
	semcacheThreshold = 0.95

	// Background writer: queue depth, workers, per-task budget.
	taskQueueCapacity = 256
	taskQueueWorkers  = 2
	taskTimeout       = 2 * time.Minute

	shutdownGrace = 10 * time.Second
)

// Config holds the orchestrator's top-level knobs. The component-level
// tuning (stores, retrieval, memory builder, TTL) comes from each
// component's own FromEnv reader.
type Config struct {
	// Port is the HTTP listen port. Default 12210.
	Port int

	// LLMBackend selects the model provider: "local", "openai", "ollama",
	// or "claude"/"anthropic". Default "local".
	LLMBackend string

	// GinMode sets the Gin framework mode; empty defers to GIN_MODE.
	GinMode string

	// EnableMetrics mounts /metrics and registers the Prometheus
	// collectors. Default true; DisableMetrics turns it off.
	DisableMetrics bool

	// DisableTTL turns off the background expiry janitor.
	DisableTTL bool

	// TTLAuditPath is where sweep results are appended. Empty skips the
	// audit file (slog still records sweeps).
	TTLAuditPath string
}

// ConfigFromEnv reads ORCHESTRATOR_PORT and LLM_BACKEND_TYPE over defaults.
func ConfigFromEnv() Config {
	cfg := Config{}
	if raw := os.Getenv("ORCHESTRATOR_PORT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	cfg.LLMBackend = os.Getenv("LLM_BACKEND_TYPE")
	cfg.GinMode = os.Getenv("GIN_MODE")
	cfg.TTLAuditPath = os.Getenv("TTL_AUDIT_LOG_PATH")
	return cfg
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "local"
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the orchestrator lifecycle: construct with New, serve with
// Run, shut down with Stop.
type Service interface {
	// Run starts the HTTP server and blocks until Stop or a fatal error.
	Run() error

	// Router exposes the configured engine for in-process testing.
	Router() *gin.Engine

	// Stop drains in-flight work and releases every component.
	Stop(ctx context.Context) error
}

type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine
	server *http.Server

	// storage
	db      *store.Store
	vectors *vectorstore.WeaviateStore
	embed   *embedding.Client

	// model
	llm      *llm.ResilientClient
	generate gateway.GenerateFunc

	// memory pipeline
	retrieval *orchsvc.ChatRetrievalService
	builder   *memory.Builder
	fetch     *retriever.Retriever

	// shared infrastructure
	turns    *history.Cache
	semCache *semcache.Cache
	bus      *events.Bus
	queue    *tasks.Queue
	limiter  *ratelimit.Limiter
	keys     *auth.KeyService
	gw       *gateway.Gateway
	scanner  *policy_engine.PolicyEngine
	usage    usage.Recorder
	janitor  *ttl.Janitor
	audit    *ttl.AuditLog

	telemetryShutdown func(context.Context) error
}

var _ Service = (*service)(nil)

// New assembles the service. opts carries the extension points; nil uses
// the local no-op defaults, except authentication, which defaults to the
// API-key service over the relational store.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if err := s.init(); err != nil {
		s.release(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init() error {
	ctx := context.Background()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "engram-orchestrator"
	tcfg.ServiceVersion = Version
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	if !s.config.DisableMetrics {
		observability.InitMetrics()
	}

	// The embedding service and Weaviate are optional; their clients do
	// not dial at construction, so failure here means missing or invalid
	// configuration, not an unreachable backend.
	if s.embed, err = embedding.NewClient(); err != nil {
		slog.Warn("Embedding service not configured, memory extraction disabled", "error", err)
		s.embed = nil
	}
	if s.embed != nil {
		if s.vectors, err = vectorstore.NewStoreFromEnv(s.embed); err != nil {
			slog.Warn("Vector store not configured, running in lightweight mode", "error", err)
			s.vectors = nil
		}
	} else {
		slog.Warn("Vector store requires the embedding service, running in lightweight mode")
	}

	if s.db, err = store.OpenFromEnv(); err != nil {
		return fmt.Errorf("failed to open relational store: %w", err)
	}

	s.turns = history.NewCache(historyPerSession, historySessionsPerUser)
	s.semCache = semcache.NewCache(semcacheCapacity, semcacheThreshold)
	if s.vectors != nil {
		s.vectors.RegisterInvalidator(s.semCache)
	}
	s.bus = events.NewBus()
	s.queue = tasks.NewQueue(taskQueueCapacity, taskQueueWorkers, taskTimeout)
	s.limiter = ratelimit.NewLimiter()
	s.usage = usage.FromEnv()
	s.scanner, err = policy_engine.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if s.keys, err = auth.NewKeyService(s.db); err != nil {
		return fmt.Errorf("failed to initialize key service: %w", err)
	}
	// The default extension set authenticates nothing; swap in the key
	// service unless the caller injected a real provider.
	if _, isNop := s.opts.AuthProvider.(*extensions.NopAuthProvider); isNop || s.opts.AuthProvider == nil {
		s.opts.AuthProvider = s.keys
	}

	if err := s.initModel(); err != nil {
		return err
	}
	if err := s.initMemoryPipeline(); err != nil {
		return err
	}
	if err := s.initGateway(); err != nil {
		return err
	}
	s.initJanitor()
	s.initRouter()
	return nil
}

func (s *service) initModel() error {
	var inner llm.LLMClient
	var err error
	switch s.config.LLMBackend {
	case "local":
		inner, err = llm.NewLocalLlamaCppClient()
	case "openai":
		inner, err = llm.NewOpenAIClient()
	case "ollama":
		inner, err = llm.NewOllamaClient()
	case "claude", "anthropic":
		inner, err = llm.NewAnthropicClient()
	default:
		slog.Warn("Unknown LLM backend, defaulting to local", "backend", s.config.LLMBackend)
		inner, err = llm.NewLocalLlamaCppClient()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client %q: %w", s.config.LLMBackend, err)
	}
	s.llm = llm.NewResilientClient(inner)
	slog.Info("LLM backend ready", "backend", s.config.LLMBackend)

	s.generate = func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		params := llm.GenerationParams{}
		if maxTokens > 0 {
			params.MaxTokens = &maxTokens
		}
		return s.llm.Generate(ctx, prompt, params)
	}
	return nil
}

// ruleRewriter adapts the context-free rule rewriter to the retrieval
// pipeline's interface.
type ruleRewriter struct {
	rules *rewriter.Rewriter
}

func (r ruleRewriter) Rewrite(_ context.Context, query string, ragContext, keyConcepts, history []string, mode rewriter.Mode) string {
	return r.rules.Rewrite(query, ragContext, keyConcepts, history, mode)
}

// noopSearcher keeps the retrieval pipeline constructible in lightweight
// mode: every search answers empty, so chat runs without memory.
type noopSearcher struct{}

func (noopSearcher) Use(context.Context, string) (vectorstore.CollectionHandle, error) {
	return vectorstore.CollectionHandle{}, errors.New("vector store not configured")
}

func (noopSearcher) HybridSearch(context.Context, vectorstore.CollectionHandle, string, []string, *datatypes.SearchFilters, int, float64, float64) ([]datatypes.ScoredEntry, error) {
	return nil, nil
}

func (s *service) initMemoryPipeline() error {
	rules := rewriter.NewRewriter()

	// The rules are canonical; the model only assists and its output is
	// vetted, with the rules as fallback on refusal or nonsense.
	var rw orchsvc.Rewriter
	if llmRw, err := rewriter.NewLLMRewriter(rewriter.GenerateFunc(s.generate), rules); err == nil {
		rw = llmRw
	} else {
		rw = ruleRewriter{rules: rules}
	}

	var searcher orchsvc.Searcher = noopSearcher{}
	if s.vectors != nil {
		searcher = s.vectors
	}

	retrieval, err := orchsvc.NewChatRetrievalService(searcher, rw, s.turns, s.db, orchsvc.RetrievalConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to initialize retrieval service: %w", err)
	}
	s.retrieval = retrieval

	if s.vectors == nil {
		return nil
	}

	s.builder, err = memory.NewBuilder(memory.GenerateFunc(s.generate), s.embed, s.vectors, memory.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to initialize memory builder: %w", err)
	}
	s.fetch, err = retriever.NewRetriever(s.vectors, retriever.GenerateFunc(s.generate))
	if err != nil {
		return fmt.Errorf("failed to initialize retriever: %w", err)
	}
	return nil
}

func (s *service) initGateway() error {
	if s.vectors == nil {
		slog.Info("Tool gateway not mounted, vector store unavailable")
		return nil
	}
	gw, err := gateway.New(gateway.Config{
		Auth:       s.opts.AuthProvider,
		Registry:   s.db,
		Memories:   s.vectors,
		Fetcher:    s.fetch,
		Rememberer: s.builder,
		Generate:   s.generate,
		Limiter:    s.limiter,
		Bus:        s.bus,
		Cache:      s.semCache,
		History:    s.turns,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tool gateway: %w", err)
	}
	s.gw = gw
	return nil
}

func (s *service) initJanitor() {
	if s.config.DisableTTL {
		return
	}
	if s.config.TTLAuditPath != "" {
		audit, err := ttl.NewAuditLog(s.config.TTLAuditPath)
		if err != nil {
			slog.Warn("TTL audit log unavailable, continuing without it", "error", err)
		} else {
			s.audit = audit
		}
	}
	var sweeper ttl.MemorySweeper
	if s.vectors != nil {
		sweeper = s.vectors
	}
	s.janitor = ttl.NewJanitor(s.db, sweeper, ttl.NewSystemClock(), s.audit, ttl.ConfigFromEnv())
	if err := s.janitor.Start(context.Background()); err != nil {
		slog.Warn("TTL janitor failed to start", "error", err)
		s.janitor = nil
	}
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("engram-orchestrator"))

	probes := map[string]handlers.HealthProbe{
		"store": s.db.Ready,
	}
	if s.vectors != nil {
		probes["vectorstore"] = s.vectors.Ready
	}
	if s.embed != nil {
		probes["embedding"] = s.embed.Health
	}

	deps := routes.Deps{
		Auth:          s.opts.AuthProvider,
		Limiter:       s.limiter,
		Bus:           s.bus,
		Health:        handlers.NewHealthHandler(Version, probes),
		Sessions:      handlers.NewSessionHandler(s.db, s.turns, s.bus),
		Keys:          handlers.NewKeyHandler(s.keys, s.db, s.bus),
		Usage:         handlers.NewUsageHandler(s.usage),
		Events:        handlers.NewEventsHandler(s.bus),
		EnableMetrics: !s.config.DisableMetrics,
	}

	var vectors handlers.EntryWriter
	if s.vectors != nil {
		vectors = s.vectors
	}
	deps.Chat = handlers.NewStreamingChatHandler(
		s.retrieval, s.llm, s.turns, s.db, vectors, s.queue, s.bus, s.scanner, s.usage)

	if s.vectors != nil {
		deps.Documents = handlers.NewDocumentHandler(
			s.vectors, chunker.New(chunker.DefaultConfig()), s.retrieval, s.semCache, s.bus)
		deps.Collections = handlers.NewCollectionHandler(s.vectors, s.retrieval, s.semCache, s.bus)
	}
	if s.gw != nil {
		deps.Tools = handlers.NewToolHandler(s.gw)
		deps.ToolSocket = handlers.NewToolSocketHandler(s.gw)
	}

	routes.SetupRoutes(s.router, deps)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP until Stop is called or the listener fails.
func (s *service) Run() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}
	slog.Info("Starting orchestrator", "port", s.config.Port, "version", Version)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Stop shuts the service down in dependency order: stop accepting requests,
// drain the background writers, then release storage and telemetry.
func (s *service) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		record(s.server.Shutdown(shutdownCtx))
		cancel()
	}
	s.release(ctx)
	return firstErr
}

// release tears down components; tolerant of partial construction so New
// can call it on a failed init.
func (s *service) release(ctx context.Context) {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.builder != nil {
		s.builder.Close()
	}
	if s.queue != nil {
		drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if err := s.queue.Close(drainCtx); err != nil {
			slog.Warn("Task queue did not drain cleanly", "error", err)
		}
		cancel()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.usage != nil {
		s.usage.Close()
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			slog.Warn("TTL audit log close failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Relational store close failed", "error", err)
		}
	}
	if s.telemetryShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
		cancel()
	}
}
