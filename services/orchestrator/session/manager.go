// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("supportrag.orchestrator.session")

const (
	// DefaultHistoryLimit bounds current-session context.
	DefaultHistoryLimit = 20

	// DefaultSessionHistoryLimit bounds cross-session context.
	DefaultSessionHistoryLimit = 3

	// dedupeWindow is the time window within which a caller-supplied
	// message with the same (role, content) as a durable one is treated
	// as a duplicate.
	dedupeWindow = 2 * time.Second
)

// messageNamespace seeds deterministic message ids. Retrying a turn
// regenerates the same ids, so re-inserts are no-ops.
var messageNamespace = uuid.MustParse("5f2b7c26-1b09-43a4-92cd-7a60210e6c4f")

// Manager is the session & history subsystem: current-session context,
// cross-session context and durable, idempotent turn persistence.
//
// Thread Safety:
//
//	Safe for concurrent use across sessions. Turns for the same
//	session_id are expected to be serialized by the caller; the store's
//	uniqueness constraints keep double-submits from duplicating rows
//	but do not order them.
type Manager struct {
	store  *SQLiteStore
	logger *slog.Logger
}

// NewManager wraps a store.
func NewManager(store *SQLiteStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Store exposes the underlying store for the admin surface.
func (m *Manager) Store() *SQLiteStore {
	return m.store
}

// LoadConversationHistory assembles the current-session context.
//
// Description:
//
//	Durable storage is the source of truth; advisory history supplied
//	by the caller is merged in defensively and deduplicated against it
//	by (role, content) within a small time window. The result is
//	ordered by created_at ascending and capped to the most recent
//	limit.
func (m *Manager) LoadConversationHistory(
	ctx context.Context,
	sessionID string,
	limit int,
	advisory []Message,
) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "session.LoadConversationHistory")
	defer span.End()

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	durable, err := m.store.messagesForSession(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if len(advisory) == 0 {
		return durable, nil
	}

	merged := mergeAdvisory(durable, advisory, sessionID)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// mergeAdvisory folds caller-supplied turns into durable history,
// dropping advisory messages that duplicate a durable one.
func mergeAdvisory(durable, advisory []Message, sessionID string) []Message {
	type key struct {
		role    string
		content string
	}
	durableTimes := make(map[key][]time.Time, len(durable))
	for _, msg := range durable {
		k := key{msg.Role, strings.TrimSpace(msg.Content)}
		durableTimes[k] = append(durableTimes[k], msg.CreatedAt)
	}

	merged := append([]Message(nil), durable...)
	for _, msg := range advisory {
		if msg.SessionID != "" && msg.SessionID != sessionID {
			continue
		}
		k := key{msg.Role, strings.TrimSpace(msg.Content)}
		dup := false
		for _, ts := range durableTimes[k] {
			if msg.CreatedAt.IsZero() || absDuration(msg.CreatedAt.Sub(ts)) <= dedupeWindow {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, msg)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// LoadSessionHistory returns up to limit prior sessions for the user,
// most recently ended first, excluding the current session. Intended to
// be called lazily, only when a downstream node's contract actually
// needs cross-session context.
func (m *Manager) LoadSessionHistory(
	ctx context.Context,
	userID, excludeSessionID string,
	limit int,
) ([]SessionSummary, error) {
	ctx, span := tracer.Start(ctx, "session.LoadSessionHistory")
	defer span.End()

	if limit <= 0 {
		limit = DefaultSessionHistoryLimit
	}
	return m.store.priorSessions(ctx, userID, excludeSessionID, limit)
}

// RecordTurn durably persists one turn as a single logical unit:
// idempotent session upsert, user message, assistant message (unless
// classified as internal noise), then the session status update, then
// the escalation insert (no-op if one exists).
//
// Description:
//
//	Message rows are append-only and keyed deterministically per
//	(session, turn, role), so re-calling RecordTurn after a partial
//	failure re-attempts only the missing writes. Failures are returned
//	to the caller, never swallowed: a successfully-answered turn must
//	not be dropped silently.
func (m *Manager) RecordTurn(ctx context.Context, rec TurnRecord) error {
	ctx, span := tracer.Start(ctx, "session.RecordTurn")
	defer span.End()

	if rec.SessionID == "" || rec.UserID == "" || strings.TrimSpace(rec.Question) == "" {
		return ErrInvalidTurn
	}

	now := time.Now()
	turnKey := rec.TurnKey
	if turnKey == "" {
		turnKey = turnDigest(rec.Question, rec.Answer)
	}

	if err := m.store.upsertSession(ctx, rec.SessionID, rec.UserID, rec.Channel, now); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	userMsg := Message{
		ID:        messageID(rec.SessionID, turnKey, RoleUser),
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Role:      RoleUser,
		Content:   rec.Question,
		CreatedAt: now,
		Metadata:  rec.Metadata,
	}
	if err := m.store.appendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	if !isInternalNoise(rec.Answer) {
		assistantMsg := Message{
			ID:        messageID(rec.SessionID, turnKey, RoleAssistant),
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			Role:      RoleAssistant,
			Content:   rec.Answer,
			// Strictly after the user message so ascending created_at
			// keeps the (user, assistant) order within the turn.
			CreatedAt: now.Add(time.Millisecond),
			Metadata:  rec.Metadata,
		}
		if err := m.store.appendMessage(ctx, assistantMsg); err != nil {
			return fmt.Errorf("record turn: %w", err)
		}
	}

	// Session metadata last: never mark a session updated before its
	// content exists.
	if err := m.store.finishSession(ctx, rec.SessionID, rec.SessionStatus, now); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	if rec.Escalation != nil {
		if err := m.store.insertEscalation(ctx, rec.SessionID, *rec.Escalation, now); err != nil {
			return fmt.Errorf("record turn: %w", err)
		}
	}

	m.logger.Debug("turn recorded",
		slog.String("session_id", rec.SessionID),
		slog.Bool("escalated", rec.Escalation != nil),
	)
	return nil
}

// isInternalNoise classifies assistant output that should not be
// persisted as a conversation message: empty answers and internal
// marker payloads.
func isInternalNoise(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return true
	}
	return strings.HasPrefix(trimmed, "[internal]")
}

// turnDigest derives a stable idempotency key from the turn content.
func turnDigest(question, answer string) string {
	h := sha256.Sum256([]byte(question + "\x00" + answer))
	return hex.EncodeToString(h[:16])
}

// messageID derives the deterministic message id for a turn fragment.
func messageID(sessionID, turnKey, role string) string {
	return uuid.NewSHA1(messageNamespace, []byte(sessionID+"|"+turnKey+"|"+role)).String()
}
