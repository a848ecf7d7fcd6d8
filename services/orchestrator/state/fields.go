// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

// Canonical field names for the turn state.
//
// The state schema is closed: every field a node may read or write is
// listed here and carries exactly one reducer in DefaultRegistry. A node
// that emits anything else trips the contract validator.
const (
	// Seed fields, set once when the turn starts.
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldQuestion  = "question"
	FieldChannel   = "channel"

	// Advisory history supplied by the caller. Durable storage stays
	// authoritative; this is merged defensively.
	FieldCallerHistory = "caller_history"

	// Pipeline-produced fields.
	FieldLanguage         = "language"
	FieldSafetyViolation  = "safety_violation"
	FieldSafetyReason     = "safety_reason"
	FieldUserRequested    = "user_requested_escalation"
	FieldSentiment        = "sentiment"
	FieldCacheResult      = "cache_result"
	FieldConversation     = "conversation_history"
	FieldSessionHistory   = "session_history"
	FieldSessionHistLazy  = "session_history_loader"
	FieldRetrievedDocs    = "retrieved_docs"
	FieldRetrievalScores  = "retrieval_scores"
	FieldClarifiedDocIDs  = "clarified_doc_ids"
	FieldAnswer           = "answer"
	FieldAnswerSource     = "answer_source"
	FieldConfidence       = "confidence"
	FieldFollowupExpected = "followup_expected"
	FieldAttemptCount     = "attempt_count"
	FieldDialogState      = "dialog_state"
	FieldEscalation       = "escalation"
	FieldTurnRecorded     = "turn_recorded"
)

// DefaultRegistry returns the reducer registry for the standard pipeline
// state schema.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// Singleton fields, written once (or replaced wholesale).
	for _, f := range []string{
		FieldUserID, FieldSessionID, FieldQuestion, FieldChannel,
		FieldCallerHistory,
		FieldLanguage, FieldSafetyViolation, FieldSafetyReason,
		FieldUserRequested, FieldSentiment, FieldAnswer, FieldAnswerSource,
		FieldConfidence, FieldFollowupExpected, FieldAttemptCount,
		FieldDialogState, FieldEscalation, FieldTurnRecorded,
	} {
		r.MustRegister(f, Overwrite)
	}

	// Field groups fully recomputed by their producing node. A partial
	// merge of these would mix documents from different retrieval passes.
	for _, f := range []string{
		FieldCacheResult, FieldConversation, FieldSessionHistory,
		FieldSessionHistLazy, FieldRetrievedDocs,
	} {
		r.MustRegister(f, KeepLatest)
	}

	// Accumulating identifiers.
	r.MustRegister(FieldClarifiedDocIDs, MergeUnique)

	// Score vectors combined across independent scoring passes.
	r.MustRegister(FieldRetrievalScores, Average)

	return r
}
