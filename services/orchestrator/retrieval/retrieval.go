// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval supplies knowledge-base documents for answer
// generation. The pipeline depends only on the Searcher interface; the
// Weaviate implementation lives alongside it.
package retrieval

import "context"

// Document is a retrieved knowledge-base chunk with its relevance score.
type Document struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Searcher finds documents relevant to a support question.
//
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns up to topK documents ordered by relevance. Filters
	// restrict the search by document property (exact match).
	Search(ctx context.Context, query string, filters map[string]string, topK int) ([]Document, error)
}
