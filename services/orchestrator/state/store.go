// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"fmt"
	"sync"
)

// Update is a partial state produced by one node execution.
type Update map[string]any

// Store is the mutable state for one in-flight turn.
//
// Description:
//
//	Store holds the field/value mapping a turn accumulates while walking
//	the pipeline graph. Each request owns its own Store, so there is no
//	cross-request synchronization to worry about; the internal mutex only
//	covers independent nodes of the same turn running in parallel.
//
// Thread Safety:
//
//	Safe for concurrent use within a single turn.
type Store struct {
	mu       sync.RWMutex
	registry *Registry
	fields   map[string]any
}

// NewStore creates a Store seeded with the turn identity fields.
func NewStore(registry *Registry, userID, sessionID, question string) *Store {
	return &Store{
		registry: registry,
		fields: map[string]any{
			FieldUserID:    userID,
			FieldSessionID: sessionID,
			FieldQuestion:  question,
		},
	}
}

// Lookup returns a field value and whether it is set.
func (s *Store) Lookup(field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[field]
	return v, ok
}

// Get returns a field value, or nil if unset.
func (s *Store) Get(field string) any {
	v, _ := s.Lookup(field)
	return v
}

// GetString returns a string field, or "" if unset or not a string.
func (s *Store) GetString(field string) string {
	v, _ := s.Lookup(field)
	str, _ := v.(string)
	return str
}

// GetBool returns a bool field, false if unset.
func (s *Store) GetBool(field string) bool {
	v, _ := s.Lookup(field)
	b, _ := v.(bool)
	return b
}

// GetFloat returns a float64 field, 0 if unset.
func (s *Store) GetFloat(field string) float64 {
	v, _ := s.Lookup(field)
	f, _ := v.(float64)
	return f
}

// GetInt returns an int field, 0 if unset.
func (s *Store) GetInt(field string) int {
	v, _ := s.Lookup(field)
	n, _ := v.(int)
	return n
}

// Set writes a single field through its reducer.
func (s *Store) Set(field string, value any) error {
	return s.Apply(Update{field: value})
}

// Apply merges a partial update into the store.
//
// Description:
//
//	Every field in the update is run through its registered reducer
//	against the current value. An unregistered field aborts the whole
//	update with ErrUnregisteredField before anything is written, so a
//	bad update never half-applies.
func (s *Store) Apply(update Update) error {
	if len(update) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first: reject the whole update if any field is unknown.
	for field := range update {
		if !s.registry.Registered(field) {
			return fmt.Errorf("apply update: %w: %s", ErrUnregisteredField, field)
		}
	}

	merged := make(map[string]any, len(update))
	for field, newVal := range update {
		out, err := s.registry.Reduce(field, s.fields[field], newVal)
		if err != nil {
			return fmt.Errorf("apply update field %q: %w", field, err)
		}
		merged[field] = out
	}
	for field, v := range merged {
		s.fields[field] = v
	}
	return nil
}

// Snapshot returns a shallow copy of the current field map.
//
// Values are shared with the store; callers must treat them as
// read-only.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		snap[k] = v
	}
	return snap
}

// Project returns the values for the requested fields, reporting which
// of them are set. Used by the contract validator to build node inputs.
func (s *Store) Project(fields []string) (map[string]any, map[string]bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]any, len(fields))
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		v, ok := s.fields[f]
		if ok {
			values[f] = v
		}
		present[f] = ok
	}
	return values, present
}
