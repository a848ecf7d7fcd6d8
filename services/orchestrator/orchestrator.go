// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator wires the support-question answering service.
//
// The package assembles the pipeline graph, session store, semantic
// cache, safety scanner, retrieval backend, and HTTP surface into one
// runnable Service. Configuration comes from the caller; cmd/orchestrator
// populates it from environment variables.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/letya999/support-rag/services/llm"
	"github.com/letya999/support-rag/services/orchestrator/cache"
	"github.com/letya999/support-rag/services/orchestrator/dialog"
	"github.com/letya999/support-rag/services/orchestrator/handlers"
	"github.com/letya999/support-rag/services/orchestrator/nodes"
	"github.com/letya999/support-rag/services/orchestrator/observability"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/routes"
	"github.com/letya999/support-rag/services/orchestrator/safety"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/webhook"
)

// Service is the orchestrator lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and
// should be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal
	// or a fatal server error. Resources are released before return.
	Run() error

	// Router returns the configured Gin engine, primarily for
	// integration tests that drive requests directly.
	Router() *gin.Engine
}

// Config holds orchestrator configuration. All fields have defaults
// applied by New; the zero value produces a runnable local service.
type Config struct {
	// Port is the HTTP server port. Default: 12210.
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty defers to the GIN_MODE env var.
	GinMode string

	// LLMBackend selects the model provider: "openai" or "ollama".
	// Default: "openai". The backend serves both generation and
	// embeddings.
	LLMBackend string

	// AdminAPIKey protects the session admin endpoints when set.
	// Empty leaves them open, which is only appropriate on trusted
	// networks.
	AdminAPIKey string

	// SessionDBPath is the SQLite database file for sessions and
	// conversation history. Default: "./data/sessions.db".
	SessionDBPath string

	// CacheDBPath is the BadgerDB directory for the semantic cache's
	// durable layer. Default: "./data/cache".
	CacheDBPath string

	// CacheInMemory disables cache persistence. Useful for tests and
	// ephemeral deployments.
	CacheInMemory bool

	// SimilarityThreshold overrides the semantic-hit cutoff when > 0.
	SimilarityThreshold float64

	// TurnBudget is the wall-clock budget for a whole turn.
	// Default: 60s.
	TurnBudget time.Duration

	// WeaviateURL is the vector database URL. If empty, retrieval is
	// disabled and every turn degrades to clarification or history.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "otel-collector:4317".
	OTelEndpoint string

	// JanitorInterval is how often the background janitor sweeps the
	// cache and abandons idle sessions. Default: 15m.
	JanitorInterval time.Duration

	// SessionIdleTimeout marks active sessions abandoned after this
	// much inactivity. Default: 30m.
	SessionIdleTimeout time.Duration

	// WebhookEndpoint receives signed turn and escalation events.
	// Empty disables outbound notifications.
	WebhookEndpoint string

	// WebhookSecret signs webhook deliveries.
	WebhookSecret string

	// SafetyRulesPath overrides the embedded safety rule file.
	SafetyRulesPath string
}

// service is the production Service implementation. All fields are
// read-only after New returns.
type service struct {
	config Config
	logger *slog.Logger

	router   *gin.Engine
	store    *session.SQLiteStore
	cache    *cache.SemanticCache
	janitor  *cache.Janitor
	notifier *webhook.Notifier
	executor *pipeline.Executor
	registry *prometheus.Registry

	tracerCleanup func(context.Context)
}

// New builds a ready-to-run orchestrator.
//
// # Description
//
// Initialization order: tracing, metrics, LLM client, session store,
// semantic cache, safety scanner, retrieval, webhook notifier, the
// pipeline graph, and finally the HTTP router. Weaviate is optional;
// everything else is required. On error, resources opened so far are
// released.
//
// A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: logger,
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	metrics := observability.NewTurnMetrics(s.registry)

	llmClient, err := newModelBackend(s.config.LLMBackend)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init LLM client: %w", err)
	}

	s.store, err = session.NewSQLiteStore(s.config.SessionDBPath, logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	sessions := session.NewManager(s.store, logger)

	if err := s.initCache(llmClient); err != nil {
		s.cleanup()
		return nil, err
	}

	scanner, err := newScanner(s.config.SafetyRulesPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init safety scanner: %w", err)
	}

	searcher := s.initSearcher(llmClient)

	webhookCfg := webhook.DefaultConfig()
	webhookCfg.Endpoint = s.config.WebhookEndpoint
	webhookCfg.Secret = s.config.WebhookSecret
	s.notifier = webhook.NewNotifier(webhookCfg, logger)

	graph, err := nodes.BuildDefaultGraph(nodes.Deps{
		Cache:        s.cache,
		Sessions:     sessions,
		Safety:       scanner,
		Search:       searcher,
		Generator:    llmClient,
		DialogConfig: dialog.DefaultConfig(),
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("build pipeline graph: %w", err)
	}

	execCfg := pipeline.DefaultConfig()
	execCfg.TurnBudget = s.config.TurnBudget
	s.executor, err = pipeline.NewExecutor(graph, execCfg, logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("build executor: %w", err)
	}

	s.janitor = cache.NewJanitor(s.cache, s.store, cache.JanitorConfig{
		Interval:           s.config.JanitorInterval,
		SessionIdleTimeout: s.config.SessionIdleTimeout,
	}, logger)

	s.initRouter(handlers.AskDeps{
		Executor: s.executor,
		Sessions: sessions,
		Metrics:  metrics,
		Notifier: s.notifier,
		Logger:   logger,
	})

	return s, nil
}

// Run starts the janitor and HTTP server, then blocks until SIGINT,
// SIGTERM, or a fatal server error. Shutdown drains in-flight
// requests, stops the janitor, waits for pending webhook deliveries,
// and closes the cache and session store.
func (s *service) Run() error {
	defer s.cleanup()

	if err := s.janitor.Start(context.Background()); err != nil {
		s.logger.Warn("janitor already running", "error", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting orchestrator server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown", "error", err)
		return err
	}
	return nil
}

// Router returns the configured Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.SessionDBPath == "" {
		cfg.SessionDBPath = "./data/sessions.db"
	}
	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = "./data/cache"
	}
	if cfg.TurnBudget == 0 {
		cfg.TurnBudget = 60 * time.Second
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "otel-collector:4317"
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 15 * time.Minute
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = 30 * time.Minute
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	return cfg
}

// newScanner loads safety rules from the override path, or the
// embedded rule file when none is configured.
func newScanner(rulesPath string) (*safety.Scanner, error) {
	if rulesPath != "" {
		return safety.NewScannerFromFile(rulesPath)
	}
	return safety.NewScanner()
}

// modelBackend is the provider surface the pipeline needs: generation
// for answers, embeddings for the cache and retrieval.
type modelBackend interface {
	llm.Client
	llm.Embedder
}

// newModelBackend creates the configured provider client. Provider
// credentials come from the environment.
func newModelBackend(backend string) (modelBackend, error) {
	switch backend {
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", backend)
	}
}

// initTracer sets up the OTLP trace exporter against the configured
// collector. Uses an insecure gRPC connection, appropriate for
// internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("support-rag-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// initCache opens the BadgerDB durable layer and the semantic cache
// on top of it.
func (s *service) initCache(embedder llm.Embedder) error {
	badgerCfg := cache.DefaultBadgerConfig(s.config.CacheDBPath)
	if s.config.CacheInMemory {
		badgerCfg = cache.InMemoryBadgerConfig()
	}
	badgerCfg.Logger = s.logger

	db, err := cache.OpenBadger(badgerCfg)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}

	cacheCfg := cache.DefaultConfig()
	if s.config.SimilarityThreshold > 0 {
		cacheCfg.SimilarityThreshold = s.config.SimilarityThreshold
	}

	s.cache, err = cache.Open(cacheCfg, db, embedder, s.logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("open semantic cache: %w", err)
	}
	return nil
}

// initSearcher creates the Weaviate-backed retriever, or returns nil
// when no valid URL is configured. A nil searcher puts the pipeline
// in lightweight mode: retrieval yields no documents and answers come
// from history or clarification.
func (s *service) initSearcher(embedder llm.Embedder) retrieval.Searcher {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		s.logger.Info("Weaviate URL not configured, retrieval disabled")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		s.logger.Warn("invalid Weaviate URL, retrieval disabled", "url", weaviateURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		s.logger.Warn("failed to create Weaviate client, retrieval disabled", "error", err)
		return nil
	}

	s.logger.Info("Weaviate retrieval enabled", "url", weaviateURL)
	return retrieval.NewWeaviateSearcher(client, embedder, retrieval.DefaultSearchConfig())
}

// initRouter sets up the Gin engine with tracing middleware and all
// HTTP routes.
func (s *service) initRouter(deps handlers.AskDeps) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("support-rag-orchestrator"))

	routes.SetupRoutes(s.router, deps, s.registry, s.config.AdminAPIKey)
}

// cleanup releases resources in reverse dependency order. Called when
// Run exits and on construction failure; nil fields are skipped so it
// is safe at any stage of initialization.
func (s *service) cleanup() {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("cache close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("session store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)
