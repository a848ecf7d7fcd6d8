// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"strings"
	"unicode"
)

// Fingerprint normalizes a question into its cache key: lowercase,
// punctuation stripped, whitespace collapsed to single spaces.
//
// "How do I reset my password??" and "how do i reset my password"
// produce the same fingerprint.
func Fingerprint(question string) string {
	var b strings.Builder
	b.Grow(len(question))

	lastSpace := true // fold leading whitespace
	for _, r := range strings.ToLower(question) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}
