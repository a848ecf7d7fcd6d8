// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letya999/support-rag/services/orchestrator/session"
)

func newSessionRouter(t *testing.T) (*gin.Engine, *session.Manager) {
	t.Helper()

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mgr := session.NewManager(store, nil)

	router := gin.New()
	router.GET("/v1/sessions", ListSessions(mgr))
	router.GET("/v1/sessions/:sessionId", GetSession(mgr))
	router.GET("/v1/sessions/:sessionId/history", GetSessionHistory(mgr))
	router.DELETE("/v1/sessions/:sessionId", DeleteSession(mgr))
	return router, mgr
}

func recordTestTurn(t *testing.T, mgr *session.Manager, sessionID, question, answer string) {
	t.Helper()
	require.NoError(t, mgr.RecordTurn(context.Background(), session.TurnRecord{
		SessionID: sessionID,
		UserID:    "user-1",
		Question:  question,
		Answer:    answer,
	}))
}

func TestListSessions(t *testing.T) {
	router, mgr := newSessionRouter(t)
	recordTestTurn(t, mgr, "sess-1", "q1", "a1")
	recordTestTurn(t, mgr, "sess-2", "q2", "a2")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestGetSessionAndHistory(t *testing.T) {
	router, mgr := newSessionRouter(t)
	recordTestTurn(t, mgr, "sess-1", "How do I reset my password?", "Use the link.")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/history", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []session.Message `json:"messages"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, session.RoleUser, body.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, body.Messages[1].Role)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := newSessionRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/no-such", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	router, mgr := newSessionRouter(t)
	recordTestTurn(t, mgr, "sess-del", "q", "a")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-del", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-del", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Deleting again reports not found.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-del", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
