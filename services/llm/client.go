// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the model backends the pipeline delegates to.
// The core depends on these signatures only, never on a provider.
package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	Generate(ctx context.Context, systemPrompt, humanPrompt string, params GenerationParams) (string, error)
}

// Embedder computes a dense vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
