// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator
// service.
//
// # Authentication Flow
//
// The admin endpoints are protected by a shared API key. The
// middleware extracts the key from either the Authorization header or
// X-API-Key, compares it in constant time, and rejects mismatches
// before the handler runs:
//
//	Request
//	   │
//	   ▼
//	APIKeyAuth
//	   │
//	   ├─► Extract key from "Authorization: Bearer <key>" or "X-API-Key"
//	   │
//	   ├─► constant-time compare against configured key
//	   │
//	   └─► 401 on mismatch, next handler otherwise
//
// When no key is configured the middleware passes every request
// through, which is only appropriate on trusted networks.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerPrefix is the Authorization scheme the middleware accepts.
const bearerPrefix = "Bearer "

// APIKeyAuth returns middleware that guards a route group with a
// shared API key.
//
// # Description
//
// The expected key is fixed at setup time. An empty expected key
// disables the guard entirely. Clients present the key either as
//
//	Authorization: Bearer <key>
//
// or in the X-API-Key header. Comparison uses crypto/subtle so a
// mismatch reveals nothing about the configured key.
//
// # Examples
//
//	admin := v1.Group("/sessions")
//	admin.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
func APIKeyAuth(expected string) gin.HandlerFunc {
	if expected == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	expectedBytes := []byte(expected)
	return func(c *gin.Context) {
		presented := extractAPIKey(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), expectedBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			return
		}
		c.Next()
	}
}

// extractAPIKey pulls the presented key from the request. The
// Authorization header wins over X-API-Key when both are set.
func extractAPIKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
