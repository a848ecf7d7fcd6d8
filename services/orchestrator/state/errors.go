// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import "errors"

// Sentinel errors for state operations.
var (
	// ErrUnregisteredField is returned when an update targets a field that
	// has no reducer in the registry. Updates to unknown fields fail fast
	// rather than silently growing the state schema.
	ErrUnregisteredField = errors.New("field has no registered reducer")

	// ErrDuplicateField is returned when a field is registered twice.
	ErrDuplicateField = errors.New("field already registered")

	// ErrTypeMismatch is returned when a reducer receives a value of an
	// unexpected type.
	ErrTypeMismatch = errors.New("reducer value type mismatch")

	// ErrLengthMismatch is returned when Average receives vectors of
	// different lengths.
	ErrLengthMismatch = errors.New("score vectors have different lengths")
)
