// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides request and response structures for the
// orchestrator's HTTP surface.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxQuestionBytes is the maximum size of an inbound question.
	// Byte length, not rune count, to bound memory use with large
	// payloads.
	MaxQuestionBytes = 32 * 1024 // 32KB

	// MaxHistoryEntries is the maximum number of advisory history
	// entries a caller may attach to a request.
	MaxHistoryEntries = 100
)

// askValidate is the validator instance for ask datatypes.
// Initialized in init() with custom validators.
var askValidate *validator.Validate

func init() {
	askValidate = validator.New()
	_ = askValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxQuestionBytes on string fields tagged
// with "maxbytes".
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxQuestionBytes
}

// HistoryEntry is one advisory conversation message supplied by the
// caller. Durable storage remains authoritative; advisory entries only
// fill gaps before the turn's writes have landed.
type HistoryEntry struct {
	Role      string `json:"role" validate:"required,oneof=user assistant system"`
	Content   string `json:"content" validate:"required,maxbytes"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AskRequest is the body for POST /v1/ask.
//
// # Fields
//
//   - UserID: Required. Stable identifier for the end user.
//   - SessionID: Optional. Omitted on a session's first turn; the
//     server generates one and echoes it in the response.
//   - Question: Required. The support question, limited to 32KB.
//   - Channel: Optional. Origin channel (web, email, chat_widget).
//   - History: Optional. Advisory conversation history, max 100
//     entries.
type AskRequest struct {
	UserID    string         `json:"user_id" validate:"required,min=1,max=128"`
	SessionID string         `json:"session_id" validate:"omitempty,min=1,max=128"`
	Question  string         `json:"question" validate:"required,maxbytes"`
	Channel   string         `json:"channel" validate:"omitempty,oneof=web email chat_widget api"`
	History   []HistoryEntry `json:"history" validate:"omitempty,max=100,dive"`
}

// Validate validates the AskRequest fields after JSON binding.
func (r *AskRequest) Validate() error {
	return askValidate.Struct(r)
}

// EnsureDefaults populates optional fields: a generated session ID for
// first turns and the default channel.
func (r *AskRequest) EnsureDefaults() {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	if r.Channel == "" {
		r.Channel = "web"
	}
}

// Answer sources reported in AskResponse.
const (
	SourceGenerated    = "generated"
	SourceCacheExact   = "cache_exact"
	SourceCacheSimilar = "cache_similar"
	SourceFallback     = "fallback"
)

// AskResponse is the body returned by POST /v1/ask.
//
// # Fields
//
//   - ResponseID: Server-generated identifier for audit correlation.
//   - SessionID: The session this turn belongs to. Echo of the request
//     value, or generated on first turns.
//   - Answer: The answer text, from generation, cache, or fallback.
//   - AnswerSource: Where the answer came from (see Source constants).
//   - DialogState: Final routing state for the turn.
//   - Escalated: True when the turn triggered or re-confirmed an
//     escalation.
//   - Confidence: The generator's self-reported confidence, when
//     available.
//   - Sources: Knowledge-base references backing the answer.
//   - Degraded: True when a durable write failed but an answer was
//     still produced.
type AskResponse struct {
	ResponseID       string   `json:"response_id"`
	SessionID        string   `json:"session_id"`
	Answer           string   `json:"answer"`
	AnswerSource     string   `json:"answer_source"`
	DialogState      string   `json:"dialog_state"`
	Escalated        bool     `json:"escalated"`
	Confidence       float64  `json:"confidence,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// NewAskResponse creates a response with a generated ID.
func NewAskResponse(sessionID, answer, source string) *AskResponse {
	return &AskResponse{
		ResponseID:   uuid.NewString(),
		SessionID:    sessionID,
		Answer:       answer,
		AnswerSource: source,
	}
}

// ErrorResponse is the uniform error body for the HTTP surface.
// Internal error detail is never echoed verbatim to callers.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorResponse creates an error body with the current timestamp.
func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{
		Error:     message,
		Timestamp: time.Now().UnixMilli(),
	}
}
