// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/letya999/support-rag/services/orchestrator/handlers"
	"github.com/letya999/support-rag/services/orchestrator/middleware"
)

// SetupRoutes registers the orchestrator's HTTP surface on the router.
// adminKey guards the session administration group; empty leaves it
// open.
func SetupRoutes(router *gin.Engine, deps handlers.AskDeps, registry *prometheus.Registry, adminKey string) {
	router.GET("/health", handlers.HealthCheck)

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(deps))

		// Session administration routes
		sessions := v1.Group("/sessions")
		sessions.Use(middleware.APIKeyAuth(adminKey))
		{
			sessions.GET("", handlers.ListSessions(deps.Sessions))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Sessions))
			sessions.GET("/:sessionId/history", handlers.GetSessionHistory(deps.Sessions))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Sessions))
		}
	}
}
