// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import "context"

// =============================================================================
// Data Classification Types
// =============================================================================

// DataClassification represents the sensitivity level of data.
//
// Classifications follow common enterprise data handling policies. Higher
// levels require stricter handling controls. In this service the classifier
// runs over documents at ingestion time and over memory entries bound for
// long-term storage.
//
// Example:
//
//	switch classification {
//	case ClassificationSecret:
//	    // Never persist; audit the attempt
//	case ClassificationPII:
//	    // Redact in logs, apply retention policies
//	case ClassificationConfidential:
//	    // Internal use only
//	case ClassificationPublic:
//	    // No special handling
//	}
type DataClassification string

const (
	// ClassificationPublic indicates data that can be freely shared.
	ClassificationPublic DataClassification = "PUBLIC"

	// ClassificationConfidential indicates internal-only data.
	// Examples: internal memos, non-public plans.
	ClassificationConfidential DataClassification = "CONFIDENTIAL"

	// ClassificationPII indicates personally identifiable information.
	// Examples: names, email addresses, phone numbers, IP addresses.
	ClassificationPII DataClassification = "PII"

	// ClassificationSecret indicates highly sensitive data.
	// Examples: API keys, passwords, encryption keys.
	ClassificationSecret DataClassification = "SECRET"
)

// ClassificationResult contains the outcome of data classification.
//
// A single piece of data may contain multiple classifications (e.g., a
// document with both PII and confidential business information). The
// HighestLevel field provides a single value for quick policy decisions.
//
// Example:
//
//	result, _ := classifier.Classify(ctx, chunk.Text)
//	if result.HighestLevel == ClassificationSecret {
//	    log.Warn("secret data in upload", "findings", len(result.Findings))
//	}
type ClassificationResult struct {
	// HighestLevel is the most sensitive classification found.
	// Use this for quick policy decisions.
	HighestLevel DataClassification

	// Findings lists all detected sensitive data with details.
	// Empty if nothing sensitive was found (HighestLevel == PUBLIC).
	Findings []ClassificationFinding

	// IsClean is true if no sensitive data was detected. Equivalent to
	// HighestLevel == ClassificationPublic && len(Findings) == 0.
	IsClean bool
}

// ClassificationFinding describes a single piece of classified data.
//
// Example:
//
//	finding := ClassificationFinding{
//	    Classification: ClassificationPII,
//	    Type:           "email",
//	    Location:       "offset 100-120",
//	    Pattern:        "email_regex",
//	    Snippet:        "user@exa...",
//	}
type ClassificationFinding struct {
	// Classification is the sensitivity level of this finding.
	Classification DataClassification

	// Type describes what kind of data was found.
	// Examples: "ssn", "credit_card", "email", "api_key", "password"
	Type string

	// Location describes where in the content the data was found.
	// Format is implementation-specific (e.g., "line 5", "offset 100-120").
	Location string

	// Pattern identifies which detection rule matched.
	// Examples: "ssn_regex", "credit_card_luhn", "api_key_entropy"
	Pattern string

	// Snippet is a truncated and redacted portion of the matched content,
	// safe to write to audit logs.
	Snippet string
}

// =============================================================================
// DataClassifier Interface
// =============================================================================

// DataClassifier scans data to determine its sensitivity classification.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Default Behavior
//
// The NopDataClassifier always returns PUBLIC, indicating no sensitive data
// was detected. The document ingestion path works without classification
// infrastructure; the policy engine provides a real regex-based
// implementation when configured.
//
// # Usage
//
// Classify data before storage:
//
//	result, err := classifier.Classify(ctx, chunk.Text)
//	if err != nil {
//	    return fmt.Errorf("classification failed: %w", err)
//	}
//	for _, f := range result.Findings {
//	    auditLogger.Log(ctx, AuditEvent{
//	        EventType: "data.classified",
//	        Metadata:  map[string]any{"type": f.Type},
//	    })
//	}
//
// # Limitations
//
//   - Pattern-based detection has false positives/negatives.
//   - Context matters: "123-45-6789" could be an SSN or an order number.
type DataClassifier interface {
	// Classify analyzes content and returns its sensitivity classification.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout control.
	//   - content: The UTF-8 text to classify. May be any length.
	//
	// # Outputs
	//
	//   - *ClassificationResult: classification details, never nil on success.
	//   - error: non-nil if classification failed (timeout, invalid input).
	//
	// # Thread Safety
	//
	// Safe to call concurrently from multiple goroutines.
	Classify(ctx context.Context, content string) (*ClassificationResult, error)

	// ClassifyBatch analyzes multiple content items in one call.
	// Implementations may process items in parallel. Results are returned
	// in input order.
	ClassifyBatch(ctx context.Context, contents []string) ([]*ClassificationResult, error)
}

// =============================================================================
// No-Op Implementation
// =============================================================================

// NopDataClassifier always returns PUBLIC classification with no findings.
//
// Thread-safe: this implementation has no mutable state.
type NopDataClassifier struct{}

// Classify always returns PUBLIC classification with no findings. The
// content is not analyzed.
func (c *NopDataClassifier) Classify(_ context.Context, _ string) (*ClassificationResult, error) {
	return &ClassificationResult{
		HighestLevel: ClassificationPublic,
		Findings:     nil,
		IsClean:      true,
	}, nil
}

// ClassifyBatch returns PUBLIC classification for every item. Only the
// input length is consulted.
func (c *NopDataClassifier) ClassifyBatch(_ context.Context, contents []string) ([]*ClassificationResult, error) {
	results := make([]*ClassificationResult, len(contents))
	for i := range contents {
		results[i] = &ClassificationResult{
			HighestLevel: ClassificationPublic,
			Findings:     nil,
			IsClean:      true,
		}
	}
	return results, nil
}

// =============================================================================
// Interface Compliance
// =============================================================================

// Compile-time interface compliance check.
var _ DataClassifier = (*NopDataClassifier)(nil)
