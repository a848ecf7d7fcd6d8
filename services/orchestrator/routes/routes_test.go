// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/letya999/support-rag/services/orchestrator/handlers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRouter wires routes with zero-valued deps. Handlers that touch
// real dependencies are not exercised here; these tests cover route
// registration only.
func newRouter(adminKey string, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	SetupRoutes(router, handlers.AskDeps{}, registry, adminKey)
	return router
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newRouter("", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newRouter("", prometheus.NewRegistry())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_MetricsDisabledWithoutRegistry(t *testing.T) {
	router := newRouter("", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_ExpectedRoutesRegistered(t *testing.T) {
	router := newRouter("", prometheus.NewRegistry())

	expected := map[string]string{
		"/health":                         "GET",
		"/metrics":                        "GET",
		"/v1/ask":                         "POST",
		"/v1/sessions":                    "GET",
		"/v1/sessions/:sessionId":         "GET",
		"/v1/sessions/:sessionId/history": "GET",
	}

	registered := make(map[string]string)
	for _, route := range router.Routes() {
		if route.Method == "GET" || route.Method == "POST" {
			registered[route.Path] = route.Method
		}
	}

	for path, method := range expected {
		assert.Equal(t, method, registered[path], "route %s", path)
	}

	var hasDelete bool
	for _, route := range router.Routes() {
		if route.Method == "DELETE" && route.Path == "/v1/sessions/:sessionId" {
			hasDelete = true
		}
	}
	assert.True(t, hasDelete, "DELETE /v1/sessions/:sessionId registered")
}

func TestSetupRoutes_AdminKeyGuardsSessions(t *testing.T) {
	router := newRouter("topsecret", nil)

	// No key: rejected before the handler runs.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Ask stays open regardless of the admin key; a malformed body
	// reaches the handler and fails validation instead of auth.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/ask", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
