// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/letya999/support-rag/services/llm"
)

var tracer = otel.Tracer("supportrag.orchestrator.retrieval")

// SearchConfig holds configuration for the Weaviate searcher.
type SearchConfig struct {
	// ClassName is the Weaviate class holding knowledge-base chunks.
	ClassName string

	// MaxEmbedLength truncates queries before embedding.
	MaxEmbedLength int

	// DefaultTopK applies when Search is called with topK <= 0.
	DefaultTopK int
}

// DefaultSearchConfig returns production defaults.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		ClassName:      "SupportDocument",
		MaxEmbedLength: 8000,
		DefaultTopK:    5,
	}
}

// WeaviateSearcher implements Searcher over a Weaviate nearVector query.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateSearcher struct {
	client   *weaviate.Client
	embedder llm.Embedder
	config   SearchConfig
}

// NewWeaviateSearcher creates a searcher over an authenticated Weaviate
// client. Invalid config values fall back to defaults with a warning.
func NewWeaviateSearcher(client *weaviate.Client, embedder llm.Embedder, config SearchConfig) *WeaviateSearcher {
	defaults := DefaultSearchConfig()
	if config.ClassName == "" {
		slog.Warn("Empty ClassName config, using default", "default", defaults.ClassName)
		config.ClassName = defaults.ClassName
	}
	if config.MaxEmbedLength < 1 {
		slog.Warn("Invalid MaxEmbedLength config, using default",
			"provided", config.MaxEmbedLength, "default", defaults.MaxEmbedLength)
		config.MaxEmbedLength = defaults.MaxEmbedLength
	}
	if config.DefaultTopK < 1 {
		slog.Warn("Invalid DefaultTopK config, using default",
			"provided", config.DefaultTopK, "default", defaults.DefaultTopK)
		config.DefaultTopK = defaults.DefaultTopK
	}
	return &WeaviateSearcher{client: client, embedder: embedder, config: config}
}

// Search embeds the query and runs a nearVector search over the document
// class, optionally restricted by property filters.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, propFilters map[string]string, topK int) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()

	if topK <= 0 {
		topK = s.config.DefaultTopK
	}

	truncated := query
	if len(query) > s.config.MaxEmbedLength {
		truncated = query[:s.config.MaxEmbedLength]
		slog.Debug("Truncated query for embedding",
			"originalLen", len(query), "truncatedLen", len(truncated))
	}

	vector, err := s.embedder.Embed(ctx, truncated)
	if err != nil {
		slog.Error("Failed to embed query for document search", "error", err)
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	// Request certainty (always [0,1]) instead of distance which varies
	// by metric.
	fields := []graphql.Field{
		{Name: "doc_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(s.config.ClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK)

	if where := buildWhere(propFilters); where != nil {
		builder = builder.WithWhere(where)
	}

	result, err := builder.Do(ctx)
	if err != nil {
		slog.Error("Failed to search document class", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	docs := parseSearchResults(result.Data, s.config.ClassName)
	slog.Debug("Found relevant documents", "count", len(docs))
	return docs, nil
}

// buildWhere combines property filters with AND. Returns nil when no
// filters were supplied.
func buildWhere(propFilters map[string]string) *filters.WhereBuilder {
	if len(propFilters) == 0 {
		return nil
	}
	var operands []*filters.WhereBuilder
	for prop, value := range propFilters {
		operands = append(operands, filters.Where().
			WithPath([]string{prop}).
			WithOperator(filters.Equal).
			WithValueString(value))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

// parseSearchResults walks the untyped GraphQL response into Documents.
// Malformed objects are skipped rather than failing the whole search.
func parseSearchResults(data map[string]models.JSONObject, className string) []Document {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return nil
	}

	docs := make([]Document, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		doc := Document{}
		if v, ok := obj["doc_id"].(string); ok {
			doc.ID = v
		}
		if v, ok := obj["content"].(string); ok {
			doc.Content = v
		}
		if v, ok := obj["source"].(string); ok {
			doc.Source = v
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				doc.Score = certainty
			}
		}
		if doc.Content == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}
