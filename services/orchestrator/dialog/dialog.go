// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dialog implements the per-turn routing state machine. Decide is
// pure and deterministic given its inputs; escalation side effects are the
// caller's responsibility.
package dialog

// State is the per-turn dialog routing state.
type State string

const (
	StateInitial        State = "INITIAL"
	StateClarifying     State = "CLARIFYING"
	StateAwaitingAnswer State = "AWAITING_ANSWER"
	StateResolved       State = "RESOLVED"
	StateEscalated      State = "ESCALATED"
)

// Priority grades how urgently a human should pick up an escalated
// session.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Escalation reasons reported in Decision.Reason.
const (
	ReasonSafetyViolation  = "safety_violation"
	ReasonUserRequested    = "user_requested"
	ReasonAttemptsExceeded = "clarification_attempts_exhausted"
)

// Config holds the decision thresholds.
type Config struct {
	// ConfidenceThreshold separates answers good enough to resolve a
	// turn from ones that need clarification.
	ConfidenceThreshold float64

	// MaxAttempts bounds clarification rounds before escalating.
	MaxAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		MaxAttempts:         3,
	}
}

// Input carries everything Decide needs for one turn.
type Input struct {
	// Current is the state the turn entered with. Zero value is treated
	// as StateInitial.
	Current State

	// Confidence is the generator's self-reported answer confidence in
	// [0, 1].
	Confidence float64

	// AttemptCount is the number of clarification rounds already spent
	// on this question.
	AttemptCount int

	// SafetyViolation is set when the safety scan flagged the question.
	SafetyViolation bool

	// UserRequestedEscalation is set when the user explicitly asked for
	// a human.
	UserRequestedEscalation bool

	// NegativeSentiment raises the priority of a user-requested
	// escalation.
	NegativeSentiment bool

	// FollowupExpected keeps a confidently answered turn awaiting the
	// user's reply instead of resolving it.
	FollowupExpected bool
}

// Decision is the routing outcome for one turn.
type Decision struct {
	State        State
	AttemptCount int

	// Escalate, Reason, and Priority are set only when State is
	// StateEscalated.
	Escalate bool
	Reason   string
	Priority Priority
}

// Decide applies the routing rules in priority order; the first matching
// rule wins.
//
// 1. Safety violation escalates at high priority.
// 2. An explicit user request escalates at normal priority, or urgent
// when sentiment is negative.
// 3. Low confidence with attempts exhausted escalates at normal
// priority.
// 4. Low confidence with attempts remaining asks for clarification and
// charges an attempt.
// 5. Sufficient confidence resolves the turn, or keeps it awaiting the
// user's reply when a follow-up is expected.
func Decide(cfg Config, in Input) Decision {
	attempts := in.AttemptCount

	switch {
	case in.SafetyViolation:
		return Decision{
			State:        StateEscalated,
			AttemptCount: attempts,
			Escalate:     true,
			Reason:       ReasonSafetyViolation,
			Priority:     PriorityHigh,
		}

	case in.UserRequestedEscalation:
		priority := PriorityNormal
		if in.NegativeSentiment {
			priority = PriorityUrgent
		}
		return Decision{
			State:        StateEscalated,
			AttemptCount: attempts,
			Escalate:     true,
			Reason:       ReasonUserRequested,
			Priority:     priority,
		}

	case in.Confidence < cfg.ConfidenceThreshold && attempts >= cfg.MaxAttempts:
		return Decision{
			State:        StateEscalated,
			AttemptCount: attempts,
			Escalate:     true,
			Reason:       ReasonAttemptsExceeded,
			Priority:     PriorityNormal,
		}

	case in.Confidence < cfg.ConfidenceThreshold:
		return Decision{
			State:        StateClarifying,
			AttemptCount: attempts + 1,
		}

	case in.FollowupExpected:
		return Decision{
			State:        StateAwaitingAnswer,
			AttemptCount: attempts,
		}

	default:
		return Decision{
			State:        StateResolved,
			AttemptCount: attempts,
		}
	}
}

// Terminal reports whether the state ends the turn's routing.
func Terminal(s State) bool {
	return s == StateResolved || s == StateEscalated
}
