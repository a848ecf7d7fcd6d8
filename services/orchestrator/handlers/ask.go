// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides gin handlers for the orchestrator's HTTP
// surface.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/letya999/support-rag/services/orchestrator/cache"
	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/observability"
	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/session"
	"github.com/letya999/support-rag/services/orchestrator/state"
	"github.com/letya999/support-rag/services/orchestrator/webhook"
)

// AskDeps bundles what the ask handler needs per request.
type AskDeps struct {
	Executor *pipeline.Executor
	Sessions *session.Manager
	Metrics  *observability.TurnMetrics
	Notifier *webhook.Notifier
	Logger   *slog.Logger
}

// HandleAsk processes one support-question turn.
//
// # Description
//
// Validates the request, seeds the turn's state, runs the pipeline
// graph, and shapes the result into an AskResponse. The caller always
// receives an answer: generated, cached, or the graceful fallback the
// dialog stage produced. Internal errors are never echoed verbatim.
func HandleAsk(deps AskDeps) gin.HandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid JSON body"))
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			logger.Debug("ask request rejected", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("request validation failed"))
			return
		}

		if deps.Metrics != nil {
			deps.Metrics.TurnStarted()
			defer deps.Metrics.TurnEnded()
		}

		st := state.NewStore(state.DefaultRegistry(), req.UserID, req.SessionID, req.Question)
		_ = st.Set(state.FieldChannel, req.Channel)
		if advisory := advisoryMessages(req); len(advisory) > 0 {
			_ = st.Set(state.FieldCallerHistory, advisory)
		}

		result, err := deps.Executor.Run(c.Request.Context(), st)
		if err != nil {
			logger.Error("pipeline run rejected", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("internal error"))
			return
		}

		resp := buildAskResponse(&req, st, result, start)

		if deps.Metrics != nil {
			deps.Metrics.RecordTurn(resp.DialogState, result.Success, time.Since(start).Seconds())
			for node, d := range result.NodeDurations {
				deps.Metrics.RecordNode(node, d.Seconds())
			}
		}
		if !result.Success {
			logger.Warn("turn completed degraded",
				"session_id", req.SessionID,
				"failed_node", result.FailedNode,
				"error", result.Err,
			)
		}

		notifyTurn(deps.Notifier, c, &req, resp)
		c.JSON(http.StatusOK, resp)
	}
}

// advisoryMessages converts caller-supplied history into session
// messages for the defensive merge in history_load.
func advisoryMessages(req datatypes.AskRequest) []session.Message {
	if len(req.History) == 0 {
		return nil
	}
	msgs := make([]session.Message, 0, len(req.History))
	for _, h := range req.History {
		m := session.Message{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Role:      h.Role,
			Content:   h.Content,
		}
		if h.Timestamp > 0 {
			m.CreatedAt = time.UnixMilli(h.Timestamp)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func buildAskResponse(
	req *datatypes.AskRequest,
	st *state.Store,
	result *pipeline.Result,
	start time.Time,
) *datatypes.AskResponse {
	answer := st.GetString(state.FieldAnswer)
	source := st.GetString(state.FieldAnswerSource)
	if answer == "" {
		// The graph aborted before the dialog stage could supply a
		// fallback. Still answer gracefully.
		answer = "Something went wrong while processing your question. Please try again, or ask to speak with a support agent."
		source = datatypes.SourceFallback
	}

	resp := datatypes.NewAskResponse(req.SessionID, answer, source)
	resp.DialogState = st.GetString(state.FieldDialogState)
	resp.Confidence = st.GetFloat(state.FieldConfidence)
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()

	if _, ok := st.Lookup(state.FieldEscalation); ok {
		resp.Escalated = true
	}
	if !result.Success || !st.GetBool(state.FieldTurnRecorded) {
		resp.Degraded = true
	}
	if docs, ok := st.Get(state.FieldRetrievedDocs).([]retrieval.Document); ok {
		for _, d := range docs {
			if d.Source != "" {
				resp.Sources = append(resp.Sources, d.Source)
			}
		}
	}
	if res, ok := st.Get(state.FieldCacheResult).(cache.Result); ok && res.Hit() {
		resp.Sources = append(resp.Sources, res.Sources...)
	}
	return resp
}

// notifyTurn emits the fire-and-forget webhook events for a completed
// turn.
func notifyTurn(notifier *webhook.Notifier, _ *gin.Context, req *datatypes.AskRequest, resp *datatypes.AskResponse) {
	if notifier == nil || !notifier.Enabled() {
		return
	}

	// Deliveries outlive the request; the request context would cancel
	// the retry backoff as soon as the response is written.
	ctx := context.Background()
	notifier.Notify(ctx, webhook.Event{
		Type:      webhook.EventTurnCompleted,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Data: map[string]any{
			"dialog_state":  resp.DialogState,
			"answer_source": resp.AnswerSource,
			"degraded":      resp.Degraded,
		},
	})
	if resp.Escalated {
		notifier.Notify(ctx, webhook.Event{
			Type:      webhook.EventEscalationTriggered,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Data: map[string]any{
				"dialog_state": resp.DialogState,
			},
		})
	}
}
