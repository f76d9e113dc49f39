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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttl.jsonl")
	audit, err := NewAuditLog(path)
	require.NoError(t, err)

	require.NoError(t, audit.Record(SweepResult{Started: time.Now().UTC(), SessionsDeleted: 1}))
	require.NoError(t, audit.Record(SweepResult{Started: time.Now().UTC(), EntriesPurged: 9}))
	require.NoError(t, audit.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var results []SweepResult
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r SweepResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].SessionsDeleted)
	assert.Equal(t, int64(9), results[1].EntriesPurged)
}

func TestAuditLog_RecordAfterCloseFails(t *testing.T) {
	audit, err := NewAuditLog(filepath.Join(t.TempDir(), "ttl.jsonl"))
	require.NoError(t, err)
	require.NoError(t, audit.Close())
	require.NoError(t, audit.Close(), "double close is a no-op")
	assert.Error(t, audit.Record(SweepResult{}))
}

func TestAuditLog_RequiresPath(t *testing.T) {
	_, err := NewAuditLog("")
	assert.Error(t, err)
}

func TestAuditLog_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttl.jsonl")
	audit, err := NewAuditLog(path)
	require.NoError(t, err)
	defer audit.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
