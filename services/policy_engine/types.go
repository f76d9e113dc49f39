// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfidenceLevel grades how likely a pattern match is a true positive.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// UnmarshalYAML rejects confidence values outside the known set so a typo
// in the policy file fails loudly instead of silently degrading.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", s)
	}
}

// PolicyFile is the top-level shape of the embedded classification YAML.
type PolicyFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification is one labeled family of patterns; higher priority wins
// when several families match the same data.
type Classification struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Patterns         []Pattern        `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

// Pattern is a single detection rule within a classification.
type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	compiled *regexp.Regexp `yaml:"-"`
}

// Compile builds every pattern's regexp once; scanning never compiles.
func (p *PolicyFile) Compile() error {
	for i := range p.Classifications {
		class := &p.Classifications[i]
		for j := range class.Patterns {
			pattern := &class.Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			pattern.compiled = re
			class.CompiledPatterns = append(class.CompiledPatterns, re)
		}
	}
	return nil
}

// SortByPriority orders classifications highest priority first.
func (p *PolicyFile) SortByPriority() {
	sort.Slice(p.Classifications, func(i, j int) bool {
		return p.Classifications[i].Priority > p.Classifications[j].Priority
	})
}

// ScanFinding records one pattern hit during a content scan, with enough
// context for audit logs and operator review.
type ScanFinding struct {
	FilePath           string          `json:"file_path,omitempty"`
	LineNumber         int             `json:"line_number"`
	MatchedContent     string          `json:"matched_content"`
	ClassificationName string          `json:"classification_name"`
	PatternId          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	Confidence         ConfidenceLevel `json:"confidence"`
}
