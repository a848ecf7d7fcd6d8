// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the support-rag orchestrator HTTP server.
//
// This is the main entry point for the containerized service. It reads
// configuration from environment variables and blocks until shutdown.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: model provider - openai, ollama (default: openai)
//   - ADMIN_API_KEY: protects the session admin API when set
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_DIR: optional directory for JSON log files
//   - SESSION_DB_PATH: SQLite file for sessions (default: ./data/sessions.db)
//   - CACHE_DB_PATH: BadgerDB directory for the semantic cache (default: ./data/cache)
//   - CACHE_IN_MEMORY: "true" disables cache persistence
//   - CACHE_SIMILARITY_THRESHOLD: semantic-hit cutoff (default: 0.85)
//   - TURN_BUDGET_SECONDS: wall-clock budget per turn (default: 60)
//   - WEAVIATE_SERVICE_URL: vector DB URL; empty disables retrieval
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (default: otel-collector:4317)
//   - JANITOR_INTERVAL_MINUTES: cleanup cycle interval (default: 15)
//   - SESSION_IDLE_TIMEOUT_MINUTES: abandonment cutoff (default: 30)
//   - WEBHOOK_ENDPOINT: receives signed turn/escalation events (optional)
//   - WEBHOOK_SECRET: HMAC key for webhook signatures
//   - SAFETY_RULES_PATH: overrides the embedded safety rule file
//   - OPENAI_API_KEY: required when LLM_BACKEND_TYPE is openai
//   - OLLAMA_BASE_URL: required when LLM_BACKEND_TYPE is ollama
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	./orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/letya999/support-rag/pkg/logging"
	"github.com/letya999/support-rag/services/orchestrator"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.Config{
		Port:                getEnvInt("ORCHESTRATOR_PORT", 12210),
		LLMBackend:          getEnvString("LLM_BACKEND_TYPE", "openai"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		SessionDBPath:       getEnvString("SESSION_DB_PATH", "./data/sessions.db"),
		CacheDBPath:         getEnvString("CACHE_DB_PATH", "./data/cache"),
		CacheInMemory:       getEnvBool("CACHE_IN_MEMORY", false),
		SimilarityThreshold: getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0),
		TurnBudget:          time.Duration(getEnvInt("TURN_BUDGET_SECONDS", 60)) * time.Second,
		WeaviateURL:         os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint:        getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317"),
		JanitorInterval:     time.Duration(getEnvInt("JANITOR_INTERVAL_MINUTES", 15)) * time.Minute,
		SessionIdleTimeout:  time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		WebhookEndpoint:     os.Getenv("WEBHOOK_ENDPOINT"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		SafetyRulesPath:     os.Getenv("SAFETY_RULES_PATH"),
	}

	logger.Info("starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"session_db", cfg.SessionDBPath,
		"cache_db", cfg.CacheDBPath,
		"retrieval_enabled", cfg.WeaviateURL != "",
		"webhook_enabled", cfg.WebhookEndpoint != "",
	)

	svc, err := orchestrator.New(cfg, logger.Slog())
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
