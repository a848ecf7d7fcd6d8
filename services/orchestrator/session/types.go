// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns durable conversation state: sessions, messages
// and escalations. It is the sole writer of those tables; every other
// component goes through its interface.
package session

import "time"

// Session lifecycle statuses. Sessions are never hard-deleted by the
// pipeline; the lifecycle is soft, via status.
const (
	StatusActive    = "active"
	StatusResolved  = "resolved"
	StatusEscalated = "escalated"
	StatusAbandoned = "abandoned"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Escalation priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Session is one bounded conversation for a user on a channel.
type Session struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Channel   string            `json:"channel"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is one immutable turn fragment within a session, ordered by
// CreatedAt.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionSummary annotates a prior session for long-horizon context.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Channel      string    `json:"channel"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	MessageCount int       `json:"message_count"`
	Summary      string    `json:"summary,omitempty"`
}

// Escalation routes a session to human attention. At most one per
// session; the first insert wins.
type Escalation struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationRequest is the escalation payload carried by a TurnRecord.
type EscalationRequest struct {
	Reason   string
	Priority string
}

// TurnRecord is everything RecordTurn persists for one question/answer
// exchange.
type TurnRecord struct {
	SessionID string
	UserID    string
	Channel   string
	Question  string
	Answer    string

	// TurnKey is a stable idempotency key per (session, turn). When
	// empty, a digest of the question and answer is used, which is
	// enough to make blind retries of the same turn safe.
	TurnKey string

	// SessionStatus the session should carry after this turn
	// (resolved/escalated/active). Empty means active.
	SessionStatus string

	// Escalation, when non-nil, inserts an escalation row for this
	// session (no-op if one already exists).
	Escalation *EscalationRequest

	Metadata map[string]string
}
