// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/letya999/support-rag/services/llm"
	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

const generateSystemPrompt = `You are a support assistant. Answer the user's question using ONLY the
provided knowledge-base context and conversation history. If the context
does not contain the answer, say so plainly and ask one clarifying
question. Answer in the language tagged for this conversation. Be
concise.`

// Generate produces an answer from the question, the retrieved context,
// and the conversation history.
//
// # Description
//
// When retrieval came back empty, the lazily loaded prior-session
// summaries are pulled in as a fallback context source before calling
// the generator. Confidence is derived from retrieval certainty: an
// ungrounded answer scores low, which routes the turn to clarification
// or escalation downstream.
func Generate(client llm.Client, logger *slog.Logger) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Optional: []string{
			state.FieldConversation,
			state.FieldRetrievedDocs,
			state.FieldLanguage,
			state.FieldSessionHistLazy,
		},
		Outputs: []string{
			state.FieldAnswer,
			state.FieldAnswerSource,
			state.FieldConfidence,
			state.FieldFollowupExpected,
		},
	}
	return pipeline.NewFuncNode(NodeGenerate, []string{NodeRetrieve, NodeHistoryLoad}, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			question, _ := in[state.FieldQuestion].(string)
			docs, _ := in[state.FieldRetrievedDocs].([]retrieval.Document)
			conversation, _ := in[state.FieldConversation].([]session.Message)
			language, _ := in[state.FieldLanguage].(string)

			var priorSessions []session.SessionSummary
			if len(docs) == 0 {
				if loader, ok := in[state.FieldSessionHistLazy].(SessionHistoryLoader); ok {
					summaries, err := loader(ctx)
					if err != nil {
						logger.Warn("session history load failed", "error", err)
					} else {
						priorSessions = summaries
					}
				}
			}

			temperature := float32(0.2)
			maxTokens := 1024

			humanPrompt := buildHumanPrompt(question, language, docs, conversation, priorSessions)
			answer, err := client.Generate(ctx, generateSystemPrompt, humanPrompt, llm.GenerationParams{
				Temperature: &temperature,
				MaxTokens:   &maxTokens,
			})
			if err != nil {
				return nil, err
			}

			answer = strings.TrimSpace(answer)
			return state.Update{
				state.FieldAnswer:           answer,
				state.FieldAnswerSource:     datatypes.SourceGenerated,
				state.FieldConfidence:       answerConfidence(docs, answer),
				state.FieldFollowupExpected: strings.HasSuffix(answer, "?"),
			}, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithMaxAttempts(2).WithTimeout(30 * time.Second)
}

func buildHumanPrompt(
	question, language string,
	docs []retrieval.Document,
	conversation []session.Message,
	priorSessions []session.SessionSummary,
) string {
	var b strings.Builder

	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n\n", language)
	}

	if len(docs) > 0 {
		b.WriteString("Knowledge base context:\n")
		for i, d := range docs {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, d.Content)
		}
		b.WriteString("\n")
	}

	if len(priorSessions) > 0 {
		b.WriteString("Summaries of the user's previous support sessions:\n")
		for _, s := range priorSessions {
			fmt.Fprintf(&b, "- [%s, %d messages] %s\n", s.Status, s.MessageCount, s.Summary)
		}
		b.WriteString("\n")
	}

	if len(conversation) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range conversation {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

// answerConfidence grades the answer by the strength of its grounding.
// Certainty of the best retrieved document dominates; an empty answer or
// no grounding at all scores low.
func answerConfidence(docs []retrieval.Document, answer string) float64 {
	if answer == "" {
		return 0
	}
	if len(docs) == 0 {
		return 0.3
	}
	best := 0.0
	for _, d := range docs {
		if d.Score > best {
			best = d.Score
		}
	}
	if best > 0.95 {
		best = 0.95
	}
	return best
}
