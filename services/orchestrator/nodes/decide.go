// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"time"

	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/dialog"
	"github.com/letya999/support-rag/services/orchestrator/observability"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

// User-facing fallback texts. Raw internal errors are never surfaced.
const (
	escalationMessage = "I'm connecting you with a member of our support team who can help you further. They'll have the full context of this conversation."

	clarificationMessage = "I want to make sure I understand your question correctly. Could you share a few more details about what you're trying to do?"
)

// DialogDecide runs the routing state machine over the turn's signals
// and fills in a user-facing fallback answer when the turn ends without
// a usable generated or cached one.
//
// This node always runs, whatever happened upstream: a turn must leave
// with a dialog state and an answer of some kind.
func DialogDecide(cfg dialog.Config, metrics *observability.TurnMetrics) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Optional: []string{
			state.FieldSafetyViolation,
			state.FieldSafetyReason,
			state.FieldUserRequested,
			state.FieldSentiment,
			state.FieldConfidence,
			state.FieldAttemptCount,
			state.FieldFollowupExpected,
			state.FieldAnswer,
			state.FieldAnswerSource,
		},
		Outputs: []string{
			state.FieldDialogState,
			state.FieldAttemptCount,
			state.FieldEscalation,
			state.FieldAnswer,
			state.FieldAnswerSource,
		},
	}
	return pipeline.NewFuncNode(NodeDialogDecide,
		[]string{NodeGenerate, NodeSafetyCheck, NodeCacheLookup, NodeHistoryLoad}, contract,
		func(_ context.Context, in map[string]any) (state.Update, error) {
			confidence, _ := in[state.FieldConfidence].(float64)
			attempts, _ := in[state.FieldAttemptCount].(int)
			safetyViolation, _ := in[state.FieldSafetyViolation].(bool)
			userRequested, _ := in[state.FieldUserRequested].(bool)
			sentiment, _ := in[state.FieldSentiment].(string)
			followup, _ := in[state.FieldFollowupExpected].(bool)
			answer, _ := in[state.FieldAnswer].(string)

			decision := dialog.Decide(cfg, dialog.Input{
				Confidence:              confidence,
				AttemptCount:            attempts,
				SafetyViolation:         safetyViolation,
				UserRequestedEscalation: userRequested,
				NegativeSentiment:       sentiment == "negative",
				FollowupExpected:        followup,
			})

			upd := state.Update{
				state.FieldDialogState:  string(decision.State),
				state.FieldAttemptCount: decision.AttemptCount,
			}

			if decision.Escalate {
				reason := decision.Reason
				if safetyViolation {
					if detail, ok := in[state.FieldSafetyReason].(string); ok && detail != "" {
						reason = detail
					}
				}
				upd[state.FieldEscalation] = &session.EscalationRequest{
					Reason:   reason,
					Priority: string(decision.Priority),
				}
				if metrics != nil {
					metrics.RecordEscalation(decision.Reason, string(decision.Priority))
				}
			}

			// Replace the answer when the turn ends without a usable one:
			// escalated turns always carry the handoff text, clarifying
			// turns without a generated question get the generic prompt.
			switch {
			case decision.State == dialog.StateEscalated:
				upd[state.FieldAnswer] = escalationMessage
				upd[state.FieldAnswerSource] = datatypes.SourceFallback
			case decision.State == dialog.StateClarifying && answer == "":
				upd[state.FieldAnswer] = clarificationMessage
				upd[state.FieldAnswerSource] = datatypes.SourceFallback
			}

			return upd, nil
		},
	).WithTimeout(2 * time.Second)
}
