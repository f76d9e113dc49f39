// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the service's pluggable security seams.
//
// The memory service runs fully offline with no-op defaults for every
// interface here. Deployments that need real key auth, audit trails, or
// content policy inject concrete implementations via ServiceOptions; the
// orchestrator code never knows which it got.
//
// # Extension Categories
//
// The package is organized by concern:
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//   - filter.go: Message transformation and PII redaction (MessageFilter)
//   - classifier.go: Content classification for ingestion (DataClassifier)
//   - request_auditor.go: Tamper-evident request capture (RequestAuditor)
//
// # Usage
//
// Single-user local deployment, everything permitted and nothing recorded:
//
//	opts := extensions.DefaultOptions()
//	svc, err := orchestrator.New(cfg, &opts)
//
// Hardened deployment:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(authsvc.NewKeyService(store, limiter)).
//	    WithFilter(policy.NewEngine(policy.DefaultConfig())).
//	    WithAudit(fileAuditor)
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use. Multiple
// goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors. All fields are optional; nil values
// are replaced with no-op defaults when DefaultOptions() is called or when
// services check for nil.
type ServiceOptions struct {
	// AuthProvider validates bearer credentials.
	// Default: NopAuthProvider (always returns a valid local user)
	AuthProvider AuthProvider

	// AuthzProvider checks authorization permissions.
	// Default: NopAuthzProvider (always allows all actions)
	AuthzProvider AuthzProvider

	// AuditLogger records security-relevant events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// MessageFilter transforms messages before/after processing.
	// Default: NopMessageFilter (passes through unchanged)
	MessageFilter MessageFilter

	// DataClassifier scans ingested content for sensitive material.
	// Default: NopDataClassifier (classifies everything as public)
	DataClassifier DataClassifier
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the single-user local configuration: all operations allowed, no
// audit trail, no filtering, no classification.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:   &NopAuthProvider{},
		AuthzProvider:  &NopAuthzProvider{},
		AuditLogger:    &NopAuditLogger{},
		MessageFilter:  &NopMessageFilter{},
		DataClassifier: &NopDataClassifier{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}

// WithClassifier returns a copy of opts with the given DataClassifier.
func (opts ServiceOptions) WithClassifier(classifier DataClassifier) ServiceOptions {
	opts.DataClassifier = classifier
	return opts
}
