// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import "errors"

// Sentinel errors for session storage.
var (
	// ErrInvalidTurn is returned when a TurnRecord is missing its
	// identity fields.
	ErrInvalidTurn = errors.New("turn record missing session_id, user_id or question")

	// ErrSessionNotFound is returned when a session lookup misses.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("session store is closed")
)
