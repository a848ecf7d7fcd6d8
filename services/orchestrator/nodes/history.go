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

// HistoryLoad assembles the turn's conversational context.
//
// # Description
//
// The current session's messages load eagerly, merged with any advisory
// history the caller supplied (durable storage wins on overlap). Prior
// sessions are NOT loaded here: a SessionHistoryLoader thunk goes into
// state instead, so the cross-session query only runs if generation
// decides it needs long-horizon context.
//
// The clarification attempt count for the dialog state machine is
// recovered from message metadata written by earlier record_turn calls.
func HistoryLoad(mgr *session.Manager) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldSessionID, state.FieldUserID},
		Optional: []string{state.FieldCallerHistory},
		Outputs: []string{
			state.FieldConversation,
			state.FieldSessionHistLazy,
			state.FieldAttemptCount,
		},
	}
	return pipeline.NewFuncNode(NodeHistoryLoad, []string{NodeCacheLookup, NodeSafetyCheck}, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			sessionID, _ := in[state.FieldSessionID].(string)
			userID, _ := in[state.FieldUserID].(string)
			advisory, _ := in[state.FieldCallerHistory].([]session.Message)

			conversation, err := mgr.LoadConversationHistory(ctx, sessionID, session.DefaultHistoryLimit, advisory)
			if err != nil {
				return nil, err
			}

			loader := SessionHistoryLoader(func(ctx context.Context) ([]session.SessionSummary, error) {
				return mgr.LoadSessionHistory(ctx, userID, sessionID, session.DefaultSessionHistoryLimit)
			})

			return state.Update{
				state.FieldConversation:    conversation,
				state.FieldSessionHistLazy: loader,
				state.FieldAttemptCount:    clarificationAttempts(conversation),
			}, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithMaxAttempts(2).WithTimeout(5 * time.Second)
}

// clarificationAttempts counts the trailing run of assistant messages
// recorded in the CLARIFYING state. Any other assistant message breaks
// the run: a resolved or escalated turn resets the budget.
func clarificationAttempts(msgs []session.Message) int {
	attempts := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != session.RoleAssistant {
			continue
		}
		if msgs[i].Metadata["dialog_state"] != string(dialog.StateClarifying) {
			break
		}
		attempts++
	}
	return attempts
}
