// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety screens inbound questions against a rule set of regex
// patterns before any retrieval or generation runs. Rules ship embedded
// in the binary so the default policy cannot be tampered with on the
// host filesystem.
package safety

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed safety_rules.yaml
var embeddedRules []byte

// Scanner matches questions against the loaded safety rules.
type Scanner struct {
	Rules []Rule
}

// NewScanner builds a scanner from the embedded default rules.
//
// It unmarshals the embedded YAML, compiles every regex, and sorts the
// rules by priority. Returns an error if the embedded document is
// malformed or contains an invalid regex.
func NewScanner() (*Scanner, error) {
	return newScannerFromBytes(embeddedRules)
}

// NewScannerFromFile builds a scanner from an operator-supplied rules
// file, replacing the embedded defaults.
func NewScannerFromFile(path string) (*Scanner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safety rules: %w", err)
	}
	return newScannerFromBytes(raw)
}

func newScannerFromBytes(raw []byte) (*Scanner, error) {
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the safety rules file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortByPriority()
	return &Scanner{Rules: file.Rules}, nil
}

// Scan checks a question against every rule in priority order and
// returns the verdict of the first matching pattern. A clean question
// returns a zero-value Verdict.
func (s *Scanner) Scan(question string) Verdict {
	for _, rule := range s.Rules {
		for _, pattern := range rule.Patterns {
			if pattern.compiled.MatchString(question) {
				return Verdict{
					Violation:  true,
					RuleName:   rule.Name,
					PatternId:  pattern.Id,
					Reason:     pattern.Description,
					Confidence: pattern.Confidence,
				}
			}
		}
	}
	return Verdict{}
}
