// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/letya999/support-rag/services/orchestrator/cache"
	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/observability"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

// CacheLookup checks the semantic cache before any expensive work. On a
// hit it supplies the answer directly; the generation path is then
// skipped by guard. A nil cache always reports a miss.
func CacheLookup(c *cache.SemanticCache, metrics *observability.TurnMetrics) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Outputs: []string{
			state.FieldCacheResult,
			state.FieldAnswer,
			state.FieldAnswerSource,
			state.FieldConfidence,
		},
	}
	return pipeline.NewFuncNode(NodeCacheLookup, nil, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			question, _ := in[state.FieldQuestion].(string)
			if c == nil {
				return state.Update{state.FieldCacheResult: cache.Result{Kind: cache.Miss}}, nil
			}

			res := c.Lookup(ctx, question)
			if metrics != nil {
				metrics.RecordCacheLookup(res.Kind.String())
			}

			upd := state.Update{state.FieldCacheResult: res}
			if res.Hit() {
				source := datatypes.SourceCacheExact
				if res.Kind == cache.HitSimilar {
					source = datatypes.SourceCacheSimilar
				}
				upd[state.FieldAnswer] = res.Answer
				upd[state.FieldAnswerSource] = source
				upd[state.FieldConfidence] = res.Similarity
			}
			return upd, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithTimeout(5 * time.Second)
}

// CacheStore persists a freshly generated answer for future turns. The
// guard restricts it to well-ended generated answers; a store failure is
// logged and never fails the turn.
func CacheStore(c *cache.SemanticCache, logger *slog.Logger) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion, state.FieldAnswer},
		Optional: []string{state.FieldRetrievedDocs},
		Outputs:  []string{},
	}
	return pipeline.NewFuncNode(NodeCacheStore, []string{NodeDialogDecide}, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			if c == nil {
				return state.Update{}, nil
			}
			question, _ := in[state.FieldQuestion].(string)
			answer, _ := in[state.FieldAnswer].(string)

			var sources []string
			if docs, ok := in[state.FieldRetrievedDocs].([]retrieval.Document); ok {
				for _, d := range docs {
					if d.Source != "" {
						sources = append(sources, d.Source)
					}
				}
			}

			if err := c.Store(ctx, question, answer, sources, 0); err != nil {
				logger.Warn("cache store failed", "error", err)
			}
			return state.Update{}, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithTimeout(5 * time.Second)
}
