// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state implements the reducer registry and per-turn state store
// for the support pipeline.
//
// Every turn owns exactly one Store. Node outputs are merged into the
// store field by field through pure reducer functions, so how a field
// combines with its previous value is declared once, next to the schema,
// instead of being re-decided by every node that touches it.
package state

import (
	"fmt"
	"reflect"
)

// Kind identifies one of the four reducer behaviours.
type Kind int

const (
	// Overwrite always takes the new value.
	Overwrite Kind = iota

	// KeepLatest takes the new value unless it is absent (nil), in which
	// case the old value is kept. Used for field groups that a node
	// recomputes wholesale.
	KeepLatest

	// MergeUnique appends elements of new that are not already present in
	// old, preserving old-then-new order. Operand type: []string.
	MergeUnique

	// Average combines two []float64 vectors elementwise; if either side
	// is absent the other is returned unchanged.
	Average
)

func (k Kind) String() string {
	switch k {
	case Overwrite:
		return "overwrite"
	case KeepLatest:
		return "keep_latest"
	case MergeUnique:
		return "merge_unique"
	case Average:
		return "average"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reducer is a pure merge function for one state field.
type Reducer func(old, new any) (any, error)

// reducerFor maps a Kind to its implementation.
func reducerFor(k Kind) Reducer {
	switch k {
	case Overwrite:
		return reduceOverwrite
	case KeepLatest:
		return reduceKeepLatest
	case MergeUnique:
		return reduceMergeUnique
	case Average:
		return reduceAverage
	default:
		return nil
	}
}

func reduceOverwrite(_, new any) (any, error) {
	return new, nil
}

func reduceKeepLatest(old, new any) (any, error) {
	if isAbsent(new) {
		return old, nil
	}
	return new, nil
}

func reduceMergeUnique(old, new any) (any, error) {
	oldIDs, err := asStringSlice(old)
	if err != nil {
		return nil, err
	}
	newIDs, err := asStringSlice(new)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(oldIDs))
	merged := make([]string, 0, len(oldIDs)+len(newIDs))
	for _, id := range oldIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range newIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged, nil
}

func reduceAverage(old, new any) (any, error) {
	if isAbsent(old) {
		return new, nil
	}
	if isAbsent(new) {
		return old, nil
	}

	oldVec, err := asFloatSlice(old)
	if err != nil {
		return nil, err
	}
	newVec, err := asFloatSlice(new)
	if err != nil {
		return nil, err
	}
	if len(oldVec) != len(newVec) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(oldVec), len(newVec))
	}

	avg := make([]float64, len(oldVec))
	for i := range oldVec {
		avg[i] = (oldVec[i] + newVec[i]) / 2
	}
	return avg, nil
}

// isAbsent reports whether a value should be treated as "not supplied".
// A key omitted from an update map arrives here as an untyped nil; typed
// nils (nil slices, nil pointers) count as absent too.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func asStringSlice(v any) ([]string, error) {
	if isAbsent(v) {
		return nil, nil
	}
	ids, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: want []string, got %T", ErrTypeMismatch, v)
	}
	return ids, nil
}

func asFloatSlice(v any) ([]float64, error) {
	vec, ok := v.([]float64)
	if !ok {
		return nil, fmt.Errorf("%w: want []float64, got %T", ErrTypeMismatch, v)
	}
	return vec, nil
}

// Registry maps field names to reducers.
//
// The registry is built once at startup and read-only afterwards, so it
// needs no locking.
type Registry struct {
	kinds    map[string]Kind
	reducers map[string]Reducer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[string]Kind),
		reducers: make(map[string]Reducer),
	}
}

// Register binds a field name to a reducer kind.
//
// Outputs:
//
//	error - ErrDuplicateField if the field is already bound.
func (r *Registry) Register(field string, kind Kind) error {
	if _, exists := r.kinds[field]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateField, field)
	}
	red := reducerFor(kind)
	if red == nil {
		return fmt.Errorf("unknown reducer kind %d for field %s", int(kind), field)
	}
	r.kinds[field] = kind
	r.reducers[field] = red
	return nil
}

// MustRegister is Register that panics on error. Intended for the static
// schema built at startup.
func (r *Registry) MustRegister(field string, kind Kind) {
	if err := r.Register(field, kind); err != nil {
		panic(err)
	}
}

// Registered reports whether a field has a reducer.
func (r *Registry) Registered(field string) bool {
	_, ok := r.kinds[field]
	return ok
}

// KindOf returns the reducer kind for a field.
func (r *Registry) KindOf(field string) (Kind, bool) {
	k, ok := r.kinds[field]
	return k, ok
}

// Reduce applies the field's reducer to (old, new).
//
// Outputs:
//
//	any - The merged value.
//	error - ErrUnregisteredField if the field has no reducer; reducer
//	errors otherwise.
func (r *Registry) Reduce(field string, old, new any) (any, error) {
	red, ok := r.reducers[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredField, field)
	}
	return red(old, new)
}
