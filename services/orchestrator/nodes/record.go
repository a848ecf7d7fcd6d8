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

	"github.com/letya999/support-rag/services/orchestrator/dialog"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

// RecordTurn persists the completed exchange: session upsert, both
// messages, session status, and the escalation row when one was
// triggered. All writes are idempotent, so a retried turn fills in only
// what is missing.
//
// Persistence failure is recoverable — the caller still gets the
// answer, with the turn marked degraded because turn_recorded never
// reached state.
func RecordTurn(mgr *session.Manager) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldUserID, state.FieldSessionID, state.FieldQuestion},
		Optional: []string{
			state.FieldChannel,
			state.FieldAnswer,
			state.FieldAnswerSource,
			state.FieldDialogState,
			state.FieldEscalation,
		},
		Outputs: []string{state.FieldTurnRecorded},
	}
	return pipeline.NewFuncNode(NodeRecordTurn, []string{NodeDialogDecide}, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			userID, _ := in[state.FieldUserID].(string)
			sessionID, _ := in[state.FieldSessionID].(string)
			question, _ := in[state.FieldQuestion].(string)
			channel, _ := in[state.FieldChannel].(string)
			answer, _ := in[state.FieldAnswer].(string)
			answerSource, _ := in[state.FieldAnswerSource].(string)
			dialogState, _ := in[state.FieldDialogState].(string)
			escalation, _ := in[state.FieldEscalation].(*session.EscalationRequest)

			rec := session.TurnRecord{
				SessionID:     sessionID,
				UserID:        userID,
				Channel:       channel,
				Question:      question,
				Answer:        answer,
				SessionStatus: sessionStatusFor(dialogState),
				Escalation:    escalation,
			}
			if dialogState != "" || answerSource != "" {
				rec.Metadata = map[string]string{}
				if dialogState != "" {
					rec.Metadata["dialog_state"] = dialogState
				}
				if answerSource != "" {
					rec.Metadata["answer_source"] = answerSource
				}
			}

			if err := mgr.RecordTurn(ctx, rec); err != nil {
				return nil, err
			}
			return state.Update{state.FieldTurnRecorded: true}, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithMaxAttempts(2).WithTimeout(10 * time.Second)
}

// sessionStatusFor maps a terminal dialog state to the session status
// RecordTurn should persist. Non-terminal states keep the session
// active.
func sessionStatusFor(dialogState string) string {
	switch dialogState {
	case string(dialog.StateResolved):
		return session.StatusResolved
	case string(dialog.StateEscalated):
		return session.StatusEscalated
	default:
		return ""
	}
}
