// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// RuleFile is the top-level YAML document holding safety rules.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rule groups patterns for one category of unsafe input.
type Rule struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Action      string    `yaml:"action"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is a single regex with provenance metadata.
type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	compiled *regexp.Regexp `yaml:"-"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// CompileRegexes compiles every pattern's regex in place.
func (f *RuleFile) CompileRegexes() error {
	for i := range f.Rules {
		for j := range f.Rules[i].Patterns {
			pattern := &f.Rules[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

// SortByPriority orders rules from highest to lowest priority.
func (f *RuleFile) SortByPriority() {
	sort.Slice(f.Rules, func(i, j int) bool {
		return f.Rules[i].Priority > f.Rules[j].Priority
	})
}

// Verdict is the outcome of scanning a question.
type Verdict struct {
	Violation  bool            `json:"violation"`
	RuleName   string          `json:"rule_name,omitempty"`
	PatternId  string          `json:"pattern_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Confidence ConfidenceLevel `json:"confidence,omitempty"`
}
