// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement bakes the classification rules into the binary.
// Embedding keeps the policy immutable at runtime: changing it means
// recompiling, not editing a file on the host.
package enforcement

import (
	_ "embed"
)

// DataClassificationPatterns is the raw YAML of the classification rules,
// populated at compile time.
//
//go:embed data_classification_patterns.yaml
var DataClassificationPatterns []byte
