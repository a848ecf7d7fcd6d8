// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"turn.completed"}`)
	sig := Sign("secret", "1700000000", payload)

	assert.True(t, Verify("secret", "1700000000", payload, sig))
	assert.False(t, Verify("secret", "1700000001", payload, sig))
	assert.False(t, Verify("wrong", "1700000000", payload, sig))
	assert.False(t, Verify("secret", "1700000000", []byte("tampered"), sig))
}

func TestNotifySignsDelivery(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Secret = "test-secret"
	n := NewNotifier(cfg, nil)

	n.Notify(context.Background(), Event{
		Type:      EventEscalationTriggered,
		SessionID: "sess-1",
		Data:      map[string]any{"reason": "safety_violation"},
	})
	n.Close()

	select {
	case req := <-received:
		body := <-bodies
		timestamp := req.Header.Get("X-Timestamp")
		require.NotEmpty(t, timestamp)
		assert.True(t, Verify("test-secret", timestamp, body, req.Header.Get("X-Signature")))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Contains(t, string(body), `"escalation.triggered"`)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Secret = "s"
	cfg.InitialBackoff = time.Millisecond
	n := NewNotifier(cfg, nil)

	n.Notify(context.Background(), Event{Type: EventTurnCompleted})
	n.Close()

	assert.Equal(t, int32(3), attempts.Load())
}

func TestNotifyGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Secret = "s"
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	n := NewNotifier(cfg, nil)

	n.Notify(context.Background(), Event{Type: EventTurnCompleted})
	n.Close()

	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := NewNotifier(Config{}, nil)
	assert.False(t, n.Enabled())
	n.Notify(context.Background(), Event{Type: EventTurnCompleted})
	n.Close()
}
