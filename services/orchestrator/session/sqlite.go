// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable backend for sessions, messages and
// escalations.
//
// Description:
//
//	Correctness under concurrent turns relies on database-level
//	uniqueness (primary keys and the one-escalation-per-session
//	constraint) combined with insert-if-absent writes, not on
//	application mutexes. Same-session turns are expected to be
//	serialized by the caller.
//
// Thread Safety:
//
//	Safe for concurrent use; database/sql pools connections internally.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// migrations. WAL mode and foreign keys are enabled so cascading
// deletes and concurrent readers behave.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id  TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		channel     TEXT NOT NULL DEFAULT 'web',
		start_time  INTEGER NOT NULL,
		end_time    INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'active'
		            CHECK(status IN ('active','resolved','escalated','abandoned')),
		metadata    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, end_time DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, end_time);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		user_id     TEXT NOT NULL,
		role        TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
		content     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		metadata    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS escalations (
		session_id  TEXT PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
		reason      TEXT NOT NULL,
		priority    TEXT NOT NULL CHECK(priority IN ('normal','high','urgent')),
		status      TEXT NOT NULL DEFAULT 'open',
		created_at  INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// upsertSession performs the idempotent insert-if-absent for a session.
// An existing row keeps its start_time and identity; double-submit of
// the first turn cannot create two rows.
func (s *SQLiteStore) upsertSession(ctx context.Context, sessionID, userID, channel string, now time.Time) error {
	if channel == "" {
		channel = "web"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, channel, start_time, status)
		VALUES (?, ?, ?, ?, 'active')
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, userID, channel, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// finishSession updates status and end_time. Runs after the turn's
// message writes so a session is never marked updated before its
// content exists.
func (s *SQLiteStore) finishSession(ctx context.Context, sessionID, status string, now time.Time) error {
	if status == "" {
		status = StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, end_time = ? WHERE session_id = ?`,
		status, now.UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return nil
}

// appendMessage writes one message row. The id is deterministic per
// turn+role, so a retry of a partially-failed turn re-attempts only the
// missing write instead of inserting duplicates.
func (s *SQLiteStore) appendMessage(ctx context.Context, m Message) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, user_id, role, content, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.SessionID, m.UserID, m.Role, m.Content, m.CreatedAt.UnixMilli(), meta,
	)
	if err != nil {
		return fmt.Errorf("append %s message for session %s: %w", m.Role, m.SessionID, err)
	}
	return nil
}

// insertEscalation records an escalation for the session. First wins:
// a later trigger against the same session is a no-op and the original
// reason and priority are preserved.
func (s *SQLiteStore) insertEscalation(ctx context.Context, sessionID string, req EscalationRequest, now time.Time) error {
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (session_id, reason, priority, status, created_at)
		VALUES (?, ?, ?, 'open', ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, req.Reason, priority, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert escalation for session %s: %w", sessionID, err)
	}
	return nil
}

// messagesForSession reads durable messages ordered by created_at
// ascending, capped to the most recent limit.
func (s *SQLiteStore) messagesForSession(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, created_at, metadata
		FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdMs int64
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &createdMs, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMs)
		m.Metadata, err = decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// priorSessions reads non-active sessions for a user, most recently
// ended first, annotated with message counts.
func (s *SQLiteStore) priorSessions(ctx context.Context, userID, excludeSessionID string, limit int) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.channel, s.status, s.start_time, s.end_time,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.session_id)
		FROM sessions s
		WHERE s.user_id = ? AND s.session_id != ? AND s.status != 'active'
		ORDER BY s.end_time DESC LIMIT ?`,
		userID, excludeSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load prior sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var sums []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var startMs, endMs int64
		if err := rows.Scan(&sum.SessionID, &sum.Channel, &sum.Status, &startMs, &endMs, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.StartTime = time.UnixMilli(startMs)
		sum.EndTime = time.UnixMilli(endMs)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// GetSession returns a single session row.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, channel, start_time, end_time, status, metadata
		FROM sessions WHERE session_id = ?`, sessionID)

	var sess Session
	var startMs, endMs int64
	var meta sql.NullString
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &startMs, &endMs, &sess.Status, &meta)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	sess.StartTime = time.UnixMilli(startMs)
	sess.EndTime = time.UnixMilli(endMs)
	sess.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by recency, for the admin API.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, channel, start_time, end_time, status
		FROM sessions ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startMs, endMs int64
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &startMs, &endMs, &sess.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartTime = time.UnixMilli(startMs)
		sess.EndTime = time.UnixMilli(endMs)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session; messages and escalations cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// GetEscalation returns the session's escalation, if any.
func (s *SQLiteStore) GetEscalation(ctx context.Context, sessionID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, reason, priority, status, created_at
		FROM escalations WHERE session_id = ?`, sessionID)

	var esc Escalation
	var createdMs int64
	err := row.Scan(&esc.SessionID, &esc.Reason, &esc.Priority, &esc.Status, &createdMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation for session %s: %w", sessionID, err)
	}
	esc.CreatedAt = time.UnixMilli(createdMs)
	return &esc, nil
}

// MarkAbandonedBefore flips still-active sessions with no activity since
// the cutoff to abandoned. Used by the background janitor.
func (s *SQLiteStore) MarkAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'abandoned'
		WHERE status = 'active' AND end_time > 0 AND end_time < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeMetadata(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
