// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package webhook delivers signed event notifications to an external
// endpoint. Delivery is fire-and-forget with bounded retry: the pipeline
// never blocks on, or fails because of, a notification.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// EventType names the notifications the orchestrator emits.
type EventType string

const (
	EventTurnCompleted       EventType = "turn.completed"
	EventEscalationTriggered EventType = "escalation.triggered"
	EventDocumentIndexed     EventType = "document.indexed"
)

// Event is the payload delivered to the configured endpoint.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Config holds notifier settings.
type Config struct {
	// Endpoint receives POSTed events. An empty endpoint disables the
	// notifier.
	Endpoint string

	// Secret signs each delivery. The signature is HMAC-SHA256 over
	// timestamp + "." + payload, hex encoded, sent in X-Signature with
	// the timestamp in X-Timestamp.
	Secret string

	// MaxRetries bounds redelivery attempts after the first failure.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles
	// per attempt.
	InitialBackoff time.Duration

	// RequestTimeout bounds each delivery attempt.
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults: 3 retries at 1s/2s/4s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Notifier posts signed events to the configured endpoint.
//
// # Thread Safety
//
// Safe for concurrent use. Deliveries run in their own goroutines;
// Close waits for in-flight deliveries to finish.
type Notifier struct {
	config Config
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. A nil logger falls back to
// slog.Default.
func NewNotifier(config Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultConfig().InitialBackoff
	}
	return &Notifier{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n.config.Endpoint != ""
}

// Notify schedules an event for asynchronous delivery and returns
// immediately. Delivery failures are logged, never surfaced.
func (n *Notifier) Notify(ctx context.Context, event Event) {
	if !n.Enabled() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(ctx, event); err != nil {
			n.logger.Warn("webhook delivery abandoned",
				"event", string(event.Type),
				"session_id", event.SessionID,
				"error", err,
			)
		}
	}()
}

// Close waits for in-flight deliveries to complete.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := n.config.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = n.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		n.logger.Debug("webhook delivery attempt failed",
			"event", string(event.Type),
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", Sign(n.config.Secret, timestamp, payload))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature over
// timestamp + "." + payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether a received signature matches the payload. Uses
// constant-time comparison.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
