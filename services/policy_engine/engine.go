// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies text against embedded sensitive-data
// patterns. The chat path uses it to flag secrets and PII in messages
// before they become persisted memory; the audit trail carries the
// findings.
package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/EngramAI/EngramLocal/services/policy_engine/enforcement"
)

// PolicyEngine holds the compiled classification rules. Construct once and
// share; scanning is read-only and safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the embedded policy, compiles every pattern, and
// sorts classifications by priority. It fails only on malformed embedded
// YAML or an invalid regex, both of which are build defects.
func NewPolicyEngine() (*PolicyEngine, error) {
	var policy PolicyFile
	if err := yaml.Unmarshal(enforcement.DataClassificationPatterns, &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}
	if err := policy.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a policy regex: %w", err)
	}
	policy.SortByPriority()
	return &PolicyEngine{Classifiers: policy.Classifications}, nil
}

// ClassifyData returns the name of the highest-priority classification
// matching the data, or "public" when nothing matches. This is the fast
// boolean path; it reports no match detail.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// ScanFileContent audits content line by line and reports every pattern
// hit with its line number and matched text. Used where detailed feedback
// matters: ingestion and the chat audit trail.
func (e *PolicyEngine) ScanFileContent(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiled.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					MatchedContent:     strings.TrimSpace(match),
					ClassificationName: classifier.Name,
					PatternId:          pattern.Id,
					PatternDescription: pattern.Description,
					Confidence:         pattern.Confidence,
				})
			}
		}
	}
	return findings
}
