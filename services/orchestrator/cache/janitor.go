// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionSweeper marks stale sessions as abandoned. Satisfied by
// session.SQLiteStore.
type SessionSweeper interface {
	MarkAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorConfig holds configuration for the background cleanup janitor.
//
// # Fields
//
//   - Interval: How often to run cleanup cycles. Default: 15 minutes.
//   - SessionIdleTimeout: Active sessions with no activity for this long
//     are marked abandoned. Default: 30 minutes.
type JanitorConfig struct {
	Interval           time.Duration
	SessionIdleTimeout time.Duration
}

// DefaultJanitorConfig returns production defaults.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:           15 * time.Minute,
		SessionIdleTimeout: 30 * time.Minute,
	}
}

// Janitor periodically sweeps expired cache entries and marks stale
// sessions abandoned. Uses the ticker + done channel pattern for
// graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Janitor struct {
	cache    *SemanticCache
	sessions SessionSweeper
	config   JanitorConfig
	logger   *slog.Logger
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewJanitor creates a cleanup janitor. sessions may be nil to sweep the
// cache only.
func NewJanitor(cache *SemanticCache, sessions SessionSweeper, config JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cache:    cache,
		sessions: sessions,
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup goroutine. Returns an error if the
// janitor is already running.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("janitor is already running")
	}
	j.running = true
	j.done = make(chan struct{}) // Reset done channel for potential restart
	j.mu.Unlock()

	j.logger.Info("cache janitor starting",
		"interval", j.config.Interval.String(),
		"session_idle_timeout", j.config.SessionIdleTimeout.String(),
	)

	go j.runLoop(ctx)
	return nil
}

// Stop signals the janitor to stop. Safe to call multiple times.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}

	j.logger.Info("cache janitor stopping")
	close(j.done)
	j.running = false
}

// RunNow performs a cleanup cycle immediately without waiting for the
// next scheduled interval.
func (j *Janitor) RunNow(ctx context.Context) {
	j.runCycle(ctx)
}

func (j *Janitor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cache janitor stopped (context cancelled)")
			return
		case <-j.done:
			j.logger.Info("cache janitor stopped (stop requested)")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	now := time.Now()
	expired := j.cache.Sweep(now)

	var abandoned int64
	if j.sessions != nil {
		cutoff := now.Add(-j.config.SessionIdleTimeout)
		n, err := j.sessions.MarkAbandonedBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("session abandonment sweep failed", "error", err)
		} else {
			abandoned = n
		}
	}

	if expired > 0 || abandoned > 0 {
		j.logger.Info("janitor cycle completed",
			"cache_entries_expired", expired,
			"sessions_abandoned", abandoned,
		)
	} else {
		j.logger.Debug("janitor cycle completed (nothing to clean)")
	}
}
