// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import "errors"

var (
	// ErrEmptyQuestion indicates a Store call with a blank question.
	ErrEmptyQuestion = errors.New("cache: question is empty")

	// ErrEmptyAnswer indicates a Store call with a blank answer.
	ErrEmptyAnswer = errors.New("cache: answer is empty")

	// ErrClosed indicates an operation against a closed cache.
	ErrClosed = errors.New("cache: closed")
)
