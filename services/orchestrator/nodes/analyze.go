// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/safety"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

// Stopword sets for cheap language detection. Whole-word matches only.
var languageStopwords = map[string][]string{
	"es": {"el", "la", "los", "las", "una", "como", "para", "puedo", "por", "que", "mi", "es"},
	"de": {"der", "die", "das", "und", "ich", "nicht", "wie", "kann", "mein", "ist"},
	"fr": {"le", "la", "les", "une", "est", "je", "ne", "pas", "comment", "mon", "pour"},
}

var wordPattern = regexp.MustCompile(`[\p{L}]+`)

// LanguageDetect tags the question with a language code so generation
// can answer in kind. English is the fallback when no other language
// clears the margin.
func LanguageDetect() pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Outputs:  []string{state.FieldLanguage},
	}
	return pipeline.NewFuncNode(NodeLanguageDetect, nil, contract,
		func(_ context.Context, in map[string]any) (state.Update, error) {
			question, _ := in[state.FieldQuestion].(string)
			return state.Update{state.FieldLanguage: detectLanguage(question)}, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithTimeout(time.Second)
}

func detectLanguage(text string) string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return "en"
	}

	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[w] = true
	}

	bestLang, bestHits := "en", 1
	for lang, stopwords := range languageStopwords {
		hits := 0
		for _, sw := range stopwords {
			if present[sw] {
				hits++
			}
		}
		if hits > bestHits {
			bestLang, bestHits = lang, hits
		}
	}
	return bestLang
}

var (
	escalationIntent = regexp.MustCompile(`(?i)\b((talk|speak)\s+(to|with)\s+(a\s+)?(human|person|agent|representative|manager)|human\s+(agent|support|being)|real\s+person|connect\s+me\s+(to|with))\b`)

	negativeSentiment = regexp.MustCompile(`(?i)\b(terrible|awful|useless|ridiculous|unacceptable|furious|angry|frustrated|worst|scam|fed\s+up|sick\s+of)\b`)
)

// SafetyCheck scans the question for policy violations and extracts the
// user-intent signals the dialog state machine consumes: an explicit
// request for a human and obviously negative sentiment. A nil scanner
// skips the policy scan but still produces the intent signals.
func SafetyCheck(scanner *safety.Scanner) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Outputs: []string{
			state.FieldSafetyViolation,
			state.FieldSafetyReason,
			state.FieldUserRequested,
			state.FieldSentiment,
		},
	}
	return pipeline.NewFuncNode(NodeSafetyCheck, nil, contract,
		func(_ context.Context, in map[string]any) (state.Update, error) {
			question, _ := in[state.FieldQuestion].(string)

			upd := state.Update{
				state.FieldSafetyViolation: false,
				state.FieldUserRequested:   escalationIntent.MatchString(question),
				state.FieldSentiment:       sentimentOf(question),
			}
			if scanner != nil {
				if verdict := scanner.Scan(question); verdict.Violation {
					upd[state.FieldSafetyViolation] = true
					upd[state.FieldSafetyReason] = verdict.RuleName + ": " + verdict.Reason
				}
			}
			return upd, nil
		},
	).WithTimeout(2 * time.Second)
}

func sentimentOf(text string) string {
	if negativeSentiment.MatchString(text) {
		return "negative"
	}
	return "neutral"
}
