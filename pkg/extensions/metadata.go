// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata is a string-keyed bag of extension data.
//
// AuthInfo, AuditEvent, and provider implementations use it to carry claims
// and context that the core types don't model. The typed accessors return
// (zero, false) on a missing key or a type mismatch, so callers never need
// their own assertions.
//
// Example:
//
//	meta := NewMetadata().
//	    Set("key_preview", "sk-abcde...f941").
//	    Set("tenant_id", "agent_a")
//	if tenant, ok := meta.GetString("tenant_id"); ok {
//	    // use tenant
//	}
//
// # Thread Safety
//
// Metadata is a plain map and is not safe for concurrent mutation. Build it
// once, then treat it as read-only, or guard it externally.
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance ready for use.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the same Metadata for
// fluent chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get retrieves a value by key. The boolean reports whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString retrieves a string value by key. Returns ("", false) when the
// key is missing or holds a non-string.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt retrieves an int value by key. Returns (0, false) when the key is
// missing or holds a non-int.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetInt64 retrieves an int64 value by key. Returns (0, false) when the key
// is missing or holds a non-int64.
func (m Metadata) GetInt64(key string) (int64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int64)
	return i, ok
}

// GetFloat64 retrieves a float64 value by key. Returns (0, false) when the
// key is missing or holds a non-float64.
func (m Metadata) GetFloat64(key string) (float64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

// GetBool retrieves a bool value by key. The second return reports whether
// the key exists and holds a bool.
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime retrieves a time.Time value by key. Returns (zero time, false)
// when the key is missing or holds a non-time.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has reports whether the key exists, regardless of its value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes a key and returns the same Metadata for chaining. Safe to
// call for a missing key.
func (m Metadata) Delete(key string) Metadata {
	delete(m, key)
	return m
}

// Clone returns a shallow copy. Mutating the copy's top-level keys does not
// affect the original; nested reference values are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies every key from other into m, overwriting on conflict, and
// returns m for chaining.
func (m Metadata) Merge(other Metadata) Metadata {
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Keys returns the key set in unspecified order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries.
func (m Metadata) Len() int {
	return len(m)
}
