// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// parseEntries extracts memory entries from a model response. The response
// must contain a JSON array of entry objects; surrounding prose is tolerated,
// malformed or empty arrays are not. Entries come back validated, with
// derived identifiers computed, ready for embedding.
func parseEntries(response string) ([]datatypes.MemoryEntry, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var entries []datatypes.MemoryEntry
	if err := json.Unmarshal([]byte(response[start:end+1]), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("response contained no entries")
	}

	for i := range entries {
		e := &entries[i]
		e.LosslessRestatement = strings.TrimSpace(e.LosslessRestatement)
		if e.LosslessRestatement == "" {
			return nil, fmt.Errorf("entry %d has an empty restatement", i)
		}
		// Model output is text only; identifiers and vectors are derived
		// downstream regardless of what the model claims.
		e.EntryID = ""
		e.DenseVector = nil
		e.MemoryType = strings.ToLower(strings.TrimSpace(e.MemoryType))
		e.EnsureDefaults()
		e.EnsureID()
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d is invalid: %w", i, err)
		}
	}
	return entries, nil
}
