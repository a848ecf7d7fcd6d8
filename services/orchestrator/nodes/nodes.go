// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nodes provides the pipeline stages for answering a support
// question and assembles them into the default graph.
//
// # Description
//
// Each constructor returns a contract-bound pipeline.Node over one of
// the orchestrator's collaborators (cache, session store, safety
// scanner, retrieval, generation, dialog routing). BuildDefaultGraph
// wires them in dependency order with guards that skip retrieval and
// generation when a cached answer, a safety violation, or an explicit
// escalation request makes them unnecessary.
package nodes

import (
	"context"
	"log/slog"

	"github.com/letya999/support-rag/services/llm"
	"github.com/letya999/support-rag/services/orchestrator/cache"
	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/dialog"
	"github.com/letya999/support-rag/services/orchestrator/observability"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/safety"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

// Node names used in the default graph.
const (
	NodeCacheLookup    = "cache_lookup"
	NodeLanguageDetect = "language_detect"
	NodeSafetyCheck    = "safety_check"
	NodeHistoryLoad    = "history_load"
	NodeRetrieve       = "retrieve"
	NodeGenerate       = "generate"
	NodeDialogDecide   = "dialog_decide"
	NodeCacheStore     = "cache_store"
	NodeRecordTurn     = "record_turn"
)

// SessionHistoryLoader lazily fetches prior-session summaries. It is
// placed in state instead of the summaries themselves so the expensive
// cross-session query only runs when a downstream stage actually needs
// long-horizon context.
type SessionHistoryLoader func(ctx context.Context) ([]session.SessionSummary, error)

// Deps bundles the collaborators the default graph is built over.
// Cache, Safety, and Search may be nil; the corresponding stages then
// degrade to no-ops or misses. Sessions and Generator are required.
type Deps struct {
	Cache     *cache.SemanticCache
	Sessions  *session.Manager
	Safety    *safety.Scanner
	Search    retrieval.Searcher
	Generator llm.Client

	DialogConfig dialog.Config
	Metrics      *observability.TurnMetrics
	Logger       *slog.Logger
}

// BuildDefaultGraph assembles the standard question-answering graph.
func BuildDefaultGraph(deps Deps) (*pipeline.Graph, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DialogConfig == (dialog.Config{}) {
		deps.DialogConfig = dialog.DefaultConfig()
	}

	return pipeline.NewBuilder("support_question").
		AddNode(CacheLookup(deps.Cache, deps.Metrics)).
		AddNode(LanguageDetect()).
		AddNode(SafetyCheck(deps.Safety)).
		AddNode(HistoryLoad(deps.Sessions)).
		AddNode(Retrieve(deps.Search)).
		AddNode(Generate(deps.Generator, deps.Logger)).
		AddNode(DialogDecide(deps.DialogConfig, deps.Metrics)).
		AddNode(CacheStore(deps.Cache, deps.Logger)).
		AddNode(RecordTurn(deps.Sessions)).
		AddGuard(NodeHistoryLoad, needsGeneration).
		AddGuard(NodeRetrieve, needsGeneration).
		AddGuard(NodeGenerate, needsGeneration).
		AddGuard(NodeCacheStore, shouldCacheAnswer).
		Build()
}

// needsGeneration is false when a cached answer, a safety violation, or
// an explicit escalation request makes retrieval and generation
// pointless for this turn.
func needsGeneration(snapshot map[string]any) bool {
	if res, ok := snapshot[state.FieldCacheResult].(cache.Result); ok && res.Hit() {
		return false
	}
	if v, ok := snapshot[state.FieldSafetyViolation].(bool); ok && v {
		return false
	}
	if v, ok := snapshot[state.FieldUserRequested].(bool); ok && v {
		return false
	}
	return true
}

// shouldCacheAnswer restricts cache writes to freshly generated answers
// on turns that ended well. Cached answers are never re-stored and
// escalated or clarifying turns never poison the cache.
func shouldCacheAnswer(snapshot map[string]any) bool {
	if source, _ := snapshot[state.FieldAnswerSource].(string); source != datatypes.SourceGenerated {
		return false
	}
	switch snapshot[state.FieldDialogState] {
	case string(dialog.StateResolved), string(dialog.StateAwaitingAnswer):
		return true
	default:
		return false
	}
}
