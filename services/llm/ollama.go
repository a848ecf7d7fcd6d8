// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("supportrag.llm.ollama")

// OllamaClient implements Client and Embedder against a local Ollama
// server. Useful for deployments that keep support questions on-prem.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	embedModel string
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   ollamaMessage `json:"message"`
	CreatedAt string        `json:"created_at"`
	Done      bool          `json:"done"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient builds a client from environment configuration.
//
// Environment:
//
//   - OLLAMA_BASE_URL: required, e.g. http://localhost:11434.
//   - OLLAMA_MODEL: chat model (default llama3.1).
//   - OLLAMA_EMBED_MODEL: embedding model (default nomic-embed-text).
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
		model = "llama3.1"
	}
	embedModel := os.Getenv("OLLAMA_EMBED_MODEL")
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client",
		"base_url", baseURL, "model", model, "embed_model", embedModel)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Generate implements the Client interface via Ollama's chat API.
func (o *OllamaClient) Generate(ctx context.Context, systemPrompt, humanPrompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if systemPrompt == "" {
		systemPrompt = "You are a helpful support assistant."
	}

	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	payload := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: humanPrompt},
		},
		Stream:  false,
		Options: options,
	}

	respBody, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse JSON response from Ollama", "error", err)
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	if chatResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response role was not 'assistant'", "role", chatResp.Message.Role)
	}
	return chatResp.Message.Content, nil
}

// Embed implements the Embedder interface via Ollama's embed API.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.embedModel))

	respBody, err := o.post(ctx, "/api/embed", ollamaEmbedRequest{
		Model: o.embedModel,
		Input: text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse Ollama embed response: %w", err)
	}
	if len(embedResp.Embeddings) == 0 {
		return nil, fmt.Errorf("Ollama returned no embedding")
	}
	return embedResp.Embeddings[0], nil
}

// post sends a JSON request and returns the raw response body.
// Non-200 statuses become errors, with a pull hint when the model is
// missing.
func (o *OllamaClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBody, &errResp); err == nil &&
				strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				return nil, fmt.Errorf("model not found, run: 'ollama pull' for it first: %s", errResp.Error)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
