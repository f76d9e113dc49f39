// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !keyRecord.IsActive() {
//	    return nil, fmt.Errorf("key disabled: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// ErrRateLimited is returned when a request would exceed the caller's
// per-key limits. The transport layer translates it to HTTP 429; it is
// never retried server-side.
var ErrRateLimited = errors.New("rate limit exceeded")

// AuthInfo contains identity information returned after successful
// authentication.
//
// This struct is designed to be extensible via the Metadata field, allowing
// alternative providers to include additional claims without modifying the
// core type.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - KeyID: identifier of the API key that authenticated this request
//   - Permissions: tool-surface grants carried by that key
//   - Roles: role/group memberships
//   - Metadata: arbitrary key-value pairs for provider extensions
//
// Example:
//
//	info := &AuthInfo{
//	    UserID:      "user-123",
//	    KeyID:       "key-9f2c",
//	    Permissions: []string{"search_memory", "add_memory_direct"},
//	    Metadata: NewMetadata().
//	        Set("key_preview", "sk-abcde...f941"),
//	}
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// KeyID identifies the API key that authenticated the request.
	// Empty when the provider authenticates by other means.
	KeyID string

	// Permissions are the tool-surface grants attached to the key.
	// An empty list means unrestricted; "*" is an explicit wildcard.
	Permissions []string

	// Roles contains the user's role memberships for authorization
	// decisions. Common roles: "admin", "operator", "viewer".
	Roles []string

	// Metadata holds additional claims from the identity provider.
	Metadata Metadata
}

// HasRole checks if the user has a specific role.
//
//	if !authInfo.HasRole("admin") {
//	    return ErrUnauthorized
//	}
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission checks a tool-surface grant. An empty permission list and
// the "*" wildcard both grant everything.
func (a *AuthInfo) HasPermission(perm string) bool {
	if len(a.Permissions) == 0 {
		return true
	}
	for _, p := range a.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer credentials and returns caller identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Default Behavior
//
// The NopAuthProvider always returns a valid "local-user" with admin
// privileges. This allows a single-user deployment to function without any
// key management.
//
// # Production Implementation
//
// The API-key service implements this interface: it hashes the presented
// token, looks the digest up in the key store, and requires active status.
//
//	func (s *KeyService) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    record, err := s.lookup(ctx, datatypes.HashAPIKey(token))
//	    if err != nil {
//	        return nil, fmt.Errorf("unknown key: %w", ErrUnauthorized)
//	    }
//	    return &AuthInfo{UserID: record.UserID, KeyID: record.KeyID}, nil
//	}
type AuthProvider interface {
	// Validate checks if the token is valid and returns the caller's
	// identity.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - token: The bearer credential (API key, session token, ...)
	//
	// Returns:
	//   - *AuthInfo: caller identity if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors
	//     for infrastructure failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check request.
//
// This struct follows the common (subject, action, resource) pattern for
// access control decisions.
//
// Example:
//
//	req := AuthzRequest{
//	    User:         authInfo,
//	    Action:       "delete",
//	    ResourceType: "agent",
//	    ResourceID:   "research_assistant_9f2c",
//	}
//	err := authzProvider.Authorize(ctx, req)
type AuthzRequest struct {
	// User is the authenticated caller making the request.
	// This comes from AuthProvider.Validate().
	User *AuthInfo

	// Action is the operation being attempted.
	// Common actions: "create", "read", "update", "delete", "execute"
	Action string

	// ResourceType is the category of resource being accessed.
	// Examples: "agent", "session", "memory", "key"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	// If empty, the check is for the resource type in general.
	ResourceID string
}

// AuthzProvider checks if a caller is authorized to perform an action.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The default NopAuthzProvider allows everything, which is appropriate for
// single-user local deployments.
type AuthzProvider interface {
	// Authorize checks if the user is permitted to perform the action.
	//
	// Returns:
	//   - nil: action is authorized
	//   - error: ErrUnauthorized (or wrapped) if denied
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider.
//
// It always returns a valid local user with admin privileges, enabling
// local single-user deployments to run without key management.
//
// Thread-safe: this implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges. The
// token parameter is ignored; any value (including empty) authenticates.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider is the default authorization provider. It always allows
// all actions.
//
// Thread-safe: this implementation has no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil, allowing all actions.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
