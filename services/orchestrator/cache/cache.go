// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/letya999/support-rag/services/llm"
)

// ResultKind classifies a cache lookup outcome.
type ResultKind int

const (
	// Miss means no usable entry was found.
	Miss ResultKind = iota

	// HitExact means the normalized question matched a stored entry
	// verbatim.
	HitExact

	// HitSimilar means a semantically similar stored question cleared
	// the similarity threshold.
	HitSimilar
)

// String returns a human-readable name for the result kind.
func (k ResultKind) String() string {
	switch k {
	case HitExact:
		return "exact"
	case HitSimilar:
		return "similar"
	default:
		return "miss"
	}
}

// Result is the outcome of a cache lookup.
type Result struct {
	Kind        ResultKind
	Answer      string
	Sources     []string
	Similarity  float64
	Fingerprint string
}

// Hit reports whether the lookup produced a usable answer.
func (r Result) Hit() bool {
	return r.Kind != Miss
}

// Config controls cache sizing, similarity matching, and retention.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a
	// semantic hit.
	SimilarityThreshold float64

	// MaxEntries bounds the in-memory index. The least recently used
	// entry is evicted when the bound is exceeded.
	MaxEntries int

	// CandidateSet bounds how many recent entries are scored per
	// semantic lookup.
	CandidateSet int

	// DefaultTTL applies when Store is called with a zero TTL.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL clamp caller-supplied TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		MaxEntries:          10000,
		CandidateSet:        64,
		DefaultTTL:          24 * time.Hour,
		MinTTL:              time.Hour,
		MaxTTL:              30 * 24 * time.Hour,
	}
}

func (c Config) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if ttl < c.MinTTL {
		return c.MinTTL
	}
	if ttl > c.MaxTTL {
		return c.MaxTTL
	}
	return ttl
}

// entry is a stored answer with its embedding and retention metadata.
type entry struct {
	Fingerprint string    `json:"fingerprint"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	Sources     []string  `json:"sources,omitempty"`
	Embedding   []float32 `json:"embedding"`
	CreatedAt   time.Time `json:"created_at"`
	TTL         int64     `json:"ttl_ms"`
	HitCount    int64     `json:"hit_count"`
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(time.Duration(e.TTL) * time.Millisecond))
}

var keyPrefix = []byte("cache/")

func entryKey(fingerprint string) []byte {
	return append(append([]byte{}, keyPrefix...), fingerprint...)
}

// # Description
//
// SemanticCache stores generated answers keyed by a normalized question
// fingerprint, backed by BadgerDB for durability with an in-memory LRU
// index for exact and semantic lookups. Lookups never fail: embedding or
// storage errors degrade to a miss so the pipeline falls through to
// retrieval.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SemanticCache struct {
	config   Config
	embedder llm.Embedder
	logger   *slog.Logger

	mu     sync.Mutex
	db     *badger.DB
	items  map[string]*list.Element // fingerprint -> *entry element
	order  *list.List               // front = most recently used
	closed bool
}

// Open builds a cache over an open BadgerDB, rebuilding the in-memory
// index from persisted entries. Expired entries are dropped during the
// rebuild.
func Open(cfg Config, db *badger.DB, embedder llm.Embedder, logger *slog.Logger) (*SemanticCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SemanticCache{
		config:   cfg,
		embedder: embedder,
		logger:   logger,
		db:       db,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
	if err := c.rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild cache index: %w", err)
	}
	return c, nil
}

func (c *SemanticCache) rebuild() error {
	now := time.Now()
	var loaded []*entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				c.logger.Warn("skipping corrupt cache entry", "error", err)
				continue
			}
			if e.expired(now) {
				continue
			}
			loaded = append(loaded, &e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Oldest first so the most recently created entries end up at the
	// front of the LRU order.
	for i := range loaded {
		for j := i + 1; j < len(loaded); j++ {
			if loaded[j].CreatedAt.Before(loaded[i].CreatedAt) {
				loaded[i], loaded[j] = loaded[j], loaded[i]
			}
		}
	}
	for _, e := range loaded {
		c.items[e.Fingerprint] = c.order.PushFront(e)
	}
	c.evictLocked()
	return nil
}

// # Description
//
// Lookup checks the cache for an answer to the question. The normalized
// fingerprint is checked for an exact match first; on a miss the question
// is embedded and scored against the most recently used candidates.
//
// Every internal failure is logged and reported as a miss.
func (c *SemanticCache) Lookup(ctx context.Context, question string) Result {
	fp := Fingerprint(question)
	if fp == "" {
		return Result{Kind: Miss, Fingerprint: fp}
	}
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{Kind: Miss, Fingerprint: fp}
	}
	if el, ok := c.items[fp]; ok {
		e := el.Value.(*entry)
		if e.expired(now) {
			c.removeLocked(fp, el)
		} else {
			c.order.MoveToFront(el)
			e.HitCount++
			res := Result{
				Kind:        HitExact,
				Answer:      e.Answer,
				Sources:     append([]string(nil), e.Sources...),
				Similarity:  1.0,
				Fingerprint: fp,
			}
			c.mu.Unlock()
			return res
		}
	}
	c.mu.Unlock()

	if c.embedder == nil {
		return Result{Kind: Miss, Fingerprint: fp}
	}
	vec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		c.logger.Warn("cache embedding failed, treating as miss", "error", err)
		return Result{Kind: Miss, Fingerprint: fp}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{Kind: Miss, Fingerprint: fp}
	}

	var best *list.Element
	bestScore := 0.0
	scanned := 0
	for el := c.order.Front(); el != nil && scanned < c.config.CandidateSet; el = el.Next() {
		e := el.Value.(*entry)
		if e.expired(now) {
			continue
		}
		scanned++
		score := cosine(vec, e.Embedding)
		if score > bestScore {
			bestScore = score
			best = el
		}
	}
	if best == nil || bestScore < c.config.SimilarityThreshold {
		return Result{Kind: Miss, Fingerprint: fp}
	}

	e := best.Value.(*entry)
	c.order.MoveToFront(best)
	e.HitCount++
	return Result{
		Kind:        HitSimilar,
		Answer:      e.Answer,
		Sources:     append([]string(nil), e.Sources...),
		Similarity:  bestScore,
		Fingerprint: fp,
	}
}

// # Description
//
// Store persists an answer under the question's fingerprint. The TTL is
// clamped to the configured bounds; a zero TTL uses the default. Unlike
// Lookup, Store reports failures to the caller.
func (c *SemanticCache) Store(ctx context.Context, question, answer string, sources []string, ttl time.Duration) error {
	fp := Fingerprint(question)
	if fp == "" {
		return ErrEmptyQuestion
	}
	if answer == "" {
		return ErrEmptyAnswer
	}

	var vec []float32
	if c.embedder != nil {
		var err error
		vec, err = c.embedder.Embed(ctx, question)
		if err != nil {
			return fmt.Errorf("embed question: %w", err)
		}
	}

	ttl = c.config.clampTTL(ttl)
	e := &entry{
		Fingerprint: fp,
		Question:    question,
		Answer:      answer,
		Sources:     append([]string(nil), sources...),
		Embedding:   vec,
		CreatedAt:   time.Now(),
		TTL:         ttl.Milliseconds(),
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(fp), raw).WithTTL(ttl))
	}); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}

	if el, ok := c.items[fp]; ok {
		el.Value = e
		c.order.MoveToFront(el)
	} else {
		c.items[fp] = c.order.PushFront(e)
	}
	c.evictLocked()
	return nil
}

// Sweep drops expired entries from the in-memory index and the durable
// store. It returns the number of entries removed.
func (c *SemanticCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.expired(now) {
			c.removeLocked(e.Fingerprint, el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of live in-memory entries.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close releases the cache. The underlying BadgerDB is closed as well.
func (c *SemanticCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// removeLocked drops an entry from the index and the durable store.
// Caller must hold c.mu.
func (c *SemanticCache) removeLocked(fp string, el *list.Element) {
	c.order.Remove(el)
	delete(c.items, fp)
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(fp))
	}); err != nil {
		c.logger.Warn("failed to delete cache entry", "fingerprint", fp, "error", err)
	}
}

// evictLocked enforces MaxEntries by evicting from the LRU tail.
// Caller must hold c.mu.
func (c *SemanticCache) evictLocked() {
	if c.config.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.config.MaxEntries {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e.Fingerprint, back)
	}
}

// cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
