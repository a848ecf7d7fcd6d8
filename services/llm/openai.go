// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client and Embedder against the OpenAI API.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel openai.EmbeddingModel
}

// NewOpenAIClient builds a client from environment configuration.
//
// Environment:
//
//   - OPENAI_API_KEY: required (falls back to /run/secrets/openai_api_key).
//   - OPENAI_MODEL: chat model (default gpt-4o-mini).
//   - OPENAI_EMBED_MODEL: embedding model (default text-embedding-3-small).
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	embedModel := openai.EmbeddingModel(os.Getenv("OPENAI_EMBED_MODEL"))
	if embedModel == "" {
		embedModel = openai.SmallEmbedding3
	}

	slog.Info("Initializing OpenAI client", "model", model, "embed_model", embedModel)
	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, systemPrompt, humanPrompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)
	if systemPrompt == "" {
		systemPrompt = "You are a helpful support assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: humanPrompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed implements the Embedder interface.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: o.embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embedding call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("OpenAI returned no embedding")
	}
	return resp.Data[0].Embedding, nil
}
