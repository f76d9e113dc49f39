// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore persists atomic memory entries in Weaviate, one
// collection per tenant, and serves the three retrieval views over them:
// semantic (dense k-NN), lexical (BM25 over restatement and keywords), and
// symbolic (metadata filters).
//
// A single store tracks a current tenant so request-scoped callers do not
// thread the tenant id through every call. Operations never take a raw
// tenant string: they take a CollectionHandle minted by Use, Handle, or
// SwitchTenant, which pins the operation to the tenant that was current when
// the handle was taken, even if the selector moves afterwards.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("engram.vectorstore")

// Sentinel errors returned by store operations. Callers branch on these with
// errors.Is; everything else is a transport or Weaviate failure.
var (
	// ErrInvalidTenant marks an empty or oversized tenant identifier, or an
	// operation attempted through a zero CollectionHandle.
	ErrInvalidTenant = errors.New("invalid tenant")

	// ErrTenantFrozen is returned by SwitchTenant and Use while a freeze
	// guard pins the selector to another tenant.
	ErrTenantFrozen = errors.New("tenant is frozen")

	// ErrEntryNotFound is returned by GetEntry for unknown entry ids.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidInput marks structurally bad arguments: empty queries,
	// negative weights, entries that fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable is returned without touching the network while the
	// circuit breaker is open.
	ErrStoreUnavailable = errors.New("vector store unavailable")
)

// maxTenantIDLength bounds tenant identifiers; anything longer is rejected
// before it reaches Weaviate class naming.
const maxTenantIDLength = 128

const (
	defaultTopK = 10

	// addBatchSize is the upsert chunk size. Each chunk succeeds or fails as
	// a unit; a failed chunk does not roll back chunks already written.
	addBatchSize = 100
)

// Embedder produces unit-norm dense vectors for queries and for entries that
// arrive without one. Satisfied by the embedding service client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// TenantCacheInvalidator is notified when the selector leaves a tenant, so
// query-level caches keyed by tenant (the semantic cache) can drop results
// that would otherwise go stale unobserved.
type TenantCacheInvalidator interface {
	InvalidateTenant(tenantID string)
}

// Store is the persistence and retrieval surface the memory builder, the
// hybrid retriever, and the tool gateway operate against.
type Store interface {
	// Tenant selector.
	SwitchTenant(ctx context.Context, tenantID string) error
	Use(ctx context.Context, tenantID string) (CollectionHandle, error)
	Handle() CollectionHandle
	CurrentTenant() string
	FreezeTenant(ctx context.Context, tenantID string) (release func(), err error)
	RegisterInvalidator(inv TenantCacheInvalidator)

	// Collection lifecycle.
	EnsureCollection(ctx context.Context, tenantID string) error
	DropCollection(ctx context.Context, tenantID string) error
	Count(ctx context.Context, h CollectionHandle) (int64, error)

	// Entry CRUD.
	AddEntries(ctx context.Context, h CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error)
	GetEntry(ctx context.Context, h CollectionHandle, entryID string) (*datatypes.MemoryEntry, error)
	UpdateEntry(ctx context.Context, h CollectionHandle, entry datatypes.MemoryEntry) error
	DeleteEntries(ctx context.Context, h CollectionHandle, entryIDs []string) (int64, error)
	Clear(ctx context.Context, h CollectionHandle) error

	// Retrieval views.
	SemanticSearch(ctx context.Context, h CollectionHandle, query string, topK int, filters *datatypes.SearchFilters) ([]datatypes.ScoredEntry, error)
	KeywordSearch(ctx context.Context, h CollectionHandle, keywords []string, topK int, filters *datatypes.SearchFilters) ([]datatypes.ScoredEntry, error)
	StructuredSearch(ctx context.Context, h CollectionHandle, filters *datatypes.SearchFilters, topK int) ([]datatypes.MemoryEntry, error)
	HybridSearch(ctx context.Context, h CollectionHandle, query string, keywords []string, filters *datatypes.SearchFilters, topK int, wSem, wLex float64) ([]datatypes.ScoredEntry, error)
}

// CollectionHandle pins operations to one tenant's collection. Handles are
// snapshots: taking one and then switching the selector does not move
// operations already holding the old handle.
type CollectionHandle struct {
	tenant string
	class  string
}

// Tenant returns the tenant this handle is pinned to.
func (h CollectionHandle) Tenant() string { return h.tenant }

// IsZero reports whether the handle was never minted by a store.
func (h CollectionHandle) IsZero() bool { return h.tenant == "" }

// handleFor mints a handle directly from a tenant id. Internal; public
// callers go through Use/Handle so the selector protocol runs first.
func handleFor(tenantID string) CollectionHandle {
	return CollectionHandle{tenant: tenantID, class: datatypes.TenantClassName(tenantID)}
}

// Config tunes a WeaviateStore. Zero values fall back to the defaults below.
type Config struct {
	// URL is the Weaviate endpoint, scheme included.
	URL string

	// Embedder turns query text and vectorless entries into dense vectors.
	Embedder Embedder

	// Retry policy for transport-level failures. GraphQL and validation
	// errors are never retried.
	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64

	// Circuit breaker: BreakerThreshold failures within BreakerWindow open
	// the circuit; after BreakerCooldown a single probe request is let
	// through.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// WorkingTTL is how long working-memory entries live before the TTL
	// janitor may purge them. Zero disables expiry stamping.
	WorkingTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:    3,
		RetryBackoff:     100 * time.Millisecond,
		MaxRetryBackoff:  5 * time.Second,
		RetryJitter:      0.25,
		BreakerThreshold: 5,
		BreakerWindow:    30 * time.Second,
		BreakerCooldown:  30 * time.Second,
		WorkingTTL:       24 * time.Hour,
	}
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail fast.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("vectorstore config: url is required")
	}
	if c.Embedder == nil {
		return fmt.Errorf("vectorstore config: embedder is required")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("vectorstore config: retry_attempts must be >= 0")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("vectorstore config: retry_jitter must be in [0, 1]")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("vectorstore config: breaker_threshold must be > 0")
	}
	return nil
}

// WeaviateStore is the Weaviate-backed Store implementation.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The tenant selector is guarded by
// mu; entry materialization is cached in entries; transport failures feed the
// circuit breaker.
type WeaviateStore struct {
	client   *weaviate.Client
	embedder Embedder
	config   Config

	mu           sync.Mutex // guards tenant, frozen, freezes, invalidators
	tenant       string
	frozenTenant string
	freezes      int
	invalidators []TenantCacheInvalidator

	entries *entryCache
	breaker breaker
}

var _ Store = (*WeaviateStore)(nil)

// NewStore connects to Weaviate and returns a store with no tenant selected.
// The constructor does not block on readiness; call Ready before serving if
// startup must gate on the database.
func NewStore(cfg Config) (*WeaviateStore, error) {
	def := DefaultConfig()
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if cfg.RetryJitter == 0 {
		cfg.RetryJitter = def.RetryJitter
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = def.BreakerWindow
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", cfg.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	s := &WeaviateStore{
		client:   client,
		embedder: cfg.Embedder,
		config:   cfg,
		entries:  newEntryCache(entryCacheCapacity),
	}
	s.breaker.init(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown)
	return s, nil
}

// NewStoreFromEnv builds a store from WEAVIATE_SERVICE_URL and
// WORKING_MEMORY_TTL_HOURS.
func NewStoreFromEnv(embedder Embedder) (*WeaviateStore, error) {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	if weaviateURL == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL environment variable not set")
	}

	cfg := DefaultConfig()
	cfg.URL = weaviateURL
	cfg.Embedder = embedder

	if raw := os.Getenv("WORKING_MEMORY_TTL_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 0 {
			return nil, fmt.Errorf("invalid WORKING_MEMORY_TTL_HOURS: %q", raw)
		}
		cfg.WorkingTTL = time.Duration(hours) * time.Hour
	}

	return NewStore(cfg)
}

// Ready reports whether Weaviate answers its readiness probe.
func (s *WeaviateStore) Ready(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}

// validateTenantID rejects identifiers the class mapper cannot safely take.
func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidTenant)
	}
	if len(tenantID) > maxTenantIDLength {
		return fmt.Errorf("%w: tenant id exceeds %d bytes", ErrInvalidTenant, maxTenantIDLength)
	}
	return nil
}

// requireHandle rejects zero handles before any network round trip.
func requireHandle(h CollectionHandle) error {
	if h.IsZero() {
		return fmt.Errorf("%w: operation requires a collection handle; call Use or SwitchTenant first", ErrInvalidTenant)
	}
	return nil
}
