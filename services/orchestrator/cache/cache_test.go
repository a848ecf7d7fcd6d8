// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureEmbedder returns canned vectors per text and falls back to a
// vector orthogonal to everything else.
type fixtureEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fixtureEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func newTestCache(t *testing.T, cfg Config, embedder *fixtureEmbedder) *SemanticCache {
	t.Helper()
	db, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	c, err := Open(cfg, db, embedder, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExactHitIgnoresCaseAndPunctuation(t *testing.T) {
	emb := &fixtureEmbedder{vectors: map[string][]float32{}}
	c := newTestCache(t, DefaultConfig(), emb)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "How do I reset my password?", "Use the reset link.", []string{"kb-1"}, 0))

	res := c.Lookup(ctx, "how do i reset my password")
	assert.Equal(t, HitExact, res.Kind)
	assert.Equal(t, "Use the reset link.", res.Answer)
	assert.Equal(t, []string{"kb-1"}, res.Sources)
	assert.Equal(t, 1.0, res.Similarity)
}

func TestSemanticHitAboveThreshold(t *testing.T) {
	emb := &fixtureEmbedder{vectors: map[string][]float32{
		"how do I reset my password": {1, 0, 0, 0},
		"password reset steps":       {0.95, 0.3, 0, 0},
	}}
	c := newTestCache(t, DefaultConfig(), emb)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "how do I reset my password", "Use the reset link.", nil, 0))

	res := c.Lookup(ctx, "password reset steps")
	assert.Equal(t, HitSimilar, res.Kind)
	assert.Equal(t, "Use the reset link.", res.Answer)
	assert.GreaterOrEqual(t, res.Similarity, 0.85)
}

func TestSemanticMissBelowThreshold(t *testing.T) {
	emb := &fixtureEmbedder{vectors: map[string][]float32{
		"how do I reset my password": {1, 0, 0, 0},
		"what is your refund policy": {0, 1, 0, 0},
	}}
	c := newTestCache(t, DefaultConfig(), emb)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "how do I reset my password", "Use the reset link.", nil, 0))

	res := c.Lookup(ctx, "what is your refund policy")
	assert.Equal(t, Miss, res.Kind)
	assert.False(t, res.Hit())
}

func TestEmbeddingFailureDegradesToMiss(t *testing.T) {
	emb := &fixtureEmbedder{vectors: map[string][]float32{}}
	c := newTestCache(t, DefaultConfig(), emb)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "question one", "answer one", nil, 0))

	emb.err = errors.New("embedding backend down")
	res := c.Lookup(ctx, "a different question")
	assert.Equal(t, Miss, res.Kind)
}

func TestStoreReportsEmbeddingFailure(t *testing.T) {
	emb := &fixtureEmbedder{err: errors.New("embedding backend down")}
	c := newTestCache(t, DefaultConfig(), emb)

	err := c.Store(context.Background(), "question", "answer", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed question")
}

func TestStoreValidation(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), &fixtureEmbedder{})
	ctx := context.Background()

	assert.ErrorIs(t, c.Store(ctx, "   ", "answer", nil, 0), ErrEmptyQuestion)
	assert.ErrorIs(t, c.Store(ctx, "question", "", nil, 0), ErrEmptyAnswer)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTTL = time.Millisecond
	cfg.DefaultTTL = time.Millisecond
	c := newTestCache(t, cfg, &fixtureEmbedder{})
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "short lived", "gone soon", nil, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	res := c.Lookup(ctx, "short lived")
	assert.Equal(t, Miss, res.Kind)
	assert.Equal(t, 0, c.Len())
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTTL = time.Millisecond
	c := newTestCache(t, cfg, &fixtureEmbedder{})
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "short lived", "a", nil, time.Millisecond))
	require.NoError(t, c.Store(ctx, "long lived", "b", nil, time.Hour))
	time.Sleep(5 * time.Millisecond)

	removed := c.Sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, HitExact, c.Lookup(ctx, "long lived").Kind)
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	// Orthogonal vectors so the evicted entry cannot come back as a
	// semantic hit against a survivor.
	emb := &fixtureEmbedder{vectors: map[string][]float32{
		"question 0": {1, 0, 0, 0},
		"question 1": {0, 1, 0, 0},
		"question 2": {0, 0, 1, 0},
		"question 3": {0, 0, 0, 1},
	}}
	c := newTestCache(t, cfg, emb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Store(ctx, fmt.Sprintf("question %d", i), "answer", nil, 0))
	}
	// Touch question 0 so question 1 becomes the LRU victim.
	assert.Equal(t, HitExact, c.Lookup(ctx, "question 0").Kind)

	require.NoError(t, c.Store(ctx, "question 3", "answer", nil, 0))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, Miss, c.Lookup(ctx, "question 1").Kind)
	assert.Equal(t, HitExact, c.Lookup(ctx, "question 0").Kind)
	assert.Equal(t, HitExact, c.Lookup(ctx, "question 3").Kind)
}

func TestTTLClamping(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.DefaultTTL, cfg.clampTTL(0))
	assert.Equal(t, cfg.MinTTL, cfg.clampTTL(time.Minute))
	assert.Equal(t, cfg.MaxTTL, cfg.clampTTL(365*24*time.Hour))
	assert.Equal(t, 48*time.Hour, cfg.clampTTL(48*time.Hour))
}

func TestRebuildFromDurableStore(t *testing.T) {
	db, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer db.Close()

	emb := &fixtureEmbedder{}
	cfg := DefaultConfig()
	first, err := Open(cfg, db, emb, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, first.Store(ctx, "persisted question", "persisted answer", []string{"kb-9"}, 0))

	// A fresh cache over the same DB sees the entry without re-storing.
	second, err := Open(cfg, db, emb, nil)
	require.NoError(t, err)
	res := second.Lookup(ctx, "persisted question")
	assert.Equal(t, HitExact, res.Kind)
	assert.Equal(t, "persisted answer", res.Answer)
	assert.Equal(t, []string{"kb-9"}, res.Sources)
}

func TestJanitorSweepsCacheAndSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTTL = time.Millisecond
	c := newTestCache(t, cfg, &fixtureEmbedder{})
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "short lived", "a", nil, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	sweeper := &recordingSweeper{}
	j := NewJanitor(c, sweeper, DefaultJanitorConfig(), nil)
	j.RunNow(ctx)

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, sweeper.calls)
}

func TestJanitorStartStop(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), &fixtureEmbedder{})
	cfg := DefaultJanitorConfig()
	cfg.Interval = 10 * time.Millisecond

	j := NewJanitor(c, nil, cfg, nil)
	require.NoError(t, j.Start(context.Background()))
	assert.Error(t, j.Start(context.Background()))
	j.Stop()
	j.Stop() // idempotent
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
}

type recordingSweeper struct {
	calls int
}

func (r *recordingSweeper) MarkAbandonedBefore(context.Context, time.Time) (int64, error) {
	r.calls++
	return 2, nil
}
