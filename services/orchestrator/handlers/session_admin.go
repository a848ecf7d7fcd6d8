// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/letya999/support-rag/services/orchestrator/datatypes"
	"github.com/letya999/support-rag/services/orchestrator/session"
)

const defaultSessionListLimit = 50

// ListSessions returns recent sessions, newest first.
func ListSessions(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := queryInt(c, "limit", defaultSessionListLimit)

		sessions, err := mgr.Store().ListSessions(c.Request.Context(), limit)
		if err != nil {
			slog.Error("failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to list sessions"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
	}
}

// GetSession returns one session with its escalation, if any.
func GetSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		sess, err := mgr.Store().GetSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("session not found"))
				return
			}
			slog.Error("failed to load session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to load session"))
			return
		}

		escalation, err := mgr.Store().GetEscalation(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("failed to load escalation", "sessionId", sessionID, "error", err)
		}

		c.JSON(http.StatusOK, gin.H{"session": sess, "escalation": escalation})
	}
}

// GetSessionHistory returns a session's messages in ascending time
// order.
func GetSessionHistory(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		limit := queryInt(c, "limit", session.DefaultHistoryLimit)

		msgs, err := mgr.LoadConversationHistory(c.Request.Context(), sessionID, limit, nil)
		if err != nil {
			slog.Error("failed to load session history", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to load session history"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": msgs, "count": len(msgs)})
	}
}

// DeleteSession removes a session and, via cascade, its messages and
// escalation.
func DeleteSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		slog.Info("Received a request to delete a session", "sessionId", sessionID)

		if err := mgr.Store().DeleteSession(c.Request.Context(), sessionID); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("session not found"))
				return
			}
			slog.Error("failed to delete session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to delete session"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
