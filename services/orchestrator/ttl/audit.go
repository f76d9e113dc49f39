// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// auditFileMode keeps the deletion trail readable by the service owner only.
const auditFileMode = 0o600

// AuditLog appends one JSON line per sweep to a local file, so retention
// behavior is reconstructable after the fact without trusting process logs.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLog opens (or creates) the audit file in append mode. Parent
// directories are created as needed.
func NewAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, fmt.Errorf("ttl: audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ttl: failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("ttl: failed to open audit log: %w", err)
	}
	return &AuditLog{file: f}, nil
}

// Record appends one sweep result, synced to disk before returning.
func (a *AuditLog) Record(result SweepResult) error {
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ttl: failed to encode sweep result: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("ttl: audit log is closed")
	}
	if _, err := a.file.Write(line); err != nil {
		return fmt.Errorf("ttl: failed to append sweep result: %w", err)
	}
	return a.file.Sync()
}

// Close flushes and closes the file. Record after Close fails.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
