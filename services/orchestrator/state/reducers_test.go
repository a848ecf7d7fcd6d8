// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestOverwrite_TakesNewValue tests that overwrite always replaces the
// old value, including replacing with nil.
func TestOverwrite_TakesNewValue(t *testing.T) {
	got, err := reduceOverwrite("old", "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "new" {
		t.Errorf("expected new value, got %v", got)
	}
}

// TestOverwrite_Idempotent tests that applying the same update twice
// yields the same result.
func TestOverwrite_Idempotent(t *testing.T) {
	once, _ := reduceOverwrite("old", "v")
	twice, _ := reduceOverwrite(once, "v")
	if once != twice {
		t.Errorf("overwrite not idempotent: %v vs %v", once, twice)
	}
}

// TestKeepLatest_AbsentKeepsOld tests that a nil new value preserves the
// old one.
func TestKeepLatest_AbsentKeepsOld(t *testing.T) {
	got, err := reduceKeepLatest([]string{"a"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected old value kept, got %v", got)
	}

	// Typed nil slice counts as absent too.
	var absent []string
	got, err = reduceKeepLatest([]string{"a"}, absent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("typed nil should keep old value, got %v", got)
	}
}

// TestKeepLatest_PresentReplaces tests that a present new value replaces
// the old wholesale.
func TestKeepLatest_PresentReplaces(t *testing.T) {
	got, err := reduceKeepLatest([]string{"a", "b"}, []string{"c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected full replacement, got %v", got)
	}
}

// TestMergeUnique_PreservesOrderAndDedupes tests old-then-new ordering
// with duplicates removed.
func TestMergeUnique_PreservesOrderAndDedupes(t *testing.T) {
	got, err := reduceMergeUnique([]string{"d1", "d2"}, []string{"d2", "d3", "d1", "d4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"d1", "d2", "d3", "d4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestMergeUnique_AppendOnlyGrowth tests that repeated merges of the same
// update never shrink or reorder the accumulated list.
func TestMergeUnique_AppendOnlyGrowth(t *testing.T) {
	acc := any([]string{"a"})
	var err error
	for i := 0; i < 3; i++ {
		acc, err = reduceMergeUnique(acc, []string{"b", "a"})
		if err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}
	if !reflect.DeepEqual(acc, []string{"a", "b"}) {
		t.Errorf("expected stable [a b], got %v", acc)
	}
}

// TestAverage_ElementwiseMean tests the mean of two score vectors.
func TestAverage_ElementwiseMean(t *testing.T) {
	got, err := reduceAverage([]float64{0.2, 0.8}, []float64{0.4, 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.InDeltaSlice(t, []float64{0.3, 0.7}, got, 1e-9)
}

// TestAverage_AbsentSidePassthrough tests that a missing side returns the
// other unchanged.
func TestAverage_AbsentSidePassthrough(t *testing.T) {
	vec := []float64{0.5}
	got, err := reduceAverage(nil, vec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, vec) {
		t.Errorf("expected passthrough of new, got %v", got)
	}

	got, err = reduceAverage(vec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, vec) {
		t.Errorf("expected passthrough of old, got %v", got)
	}
}

// TestAverage_LengthMismatch tests that mismatched vectors are rejected.
func TestAverage_LengthMismatch(t *testing.T) {
	_, err := reduceAverage([]float64{1, 2}, []float64{1})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}

// TestRegistry_UnregisteredFieldFailsFast tests the fail-fast invariant
// for unknown fields.
func TestRegistry_UnregisteredFieldFailsFast(t *testing.T) {
	r := NewRegistry()
	_, err := r.Reduce("bogus", nil, "x")
	if !errors.Is(err, ErrUnregisteredField) {
		t.Errorf("expected ErrUnregisteredField, got %v", err)
	}
}

// TestRegistry_DuplicateRegistration tests that a field cannot carry two
// reducers.
func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("f", Overwrite); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("f", KeepLatest); !errors.Is(err, ErrDuplicateField) {
		t.Errorf("expected ErrDuplicateField, got %v", err)
	}
}

// TestDefaultRegistry_CoversAllFields tests that every canonical field
// has exactly one reducer.
func TestDefaultRegistry_CoversAllFields(t *testing.T) {
	r := DefaultRegistry()
	fields := []string{
		FieldUserID, FieldSessionID, FieldQuestion, FieldCallerHistory,
		FieldLanguage, FieldSafetyViolation, FieldSafetyReason,
		FieldUserRequested, FieldSentiment, FieldCacheResult,
		FieldConversation, FieldSessionHistory, FieldSessionHistLazy,
		FieldRetrievedDocs, FieldRetrievalScores, FieldClarifiedDocIDs,
		FieldAnswer, FieldAnswerSource, FieldConfidence,
		FieldFollowupExpected, FieldAttemptCount, FieldDialogState,
		FieldEscalation, FieldTurnRecorded,
	}
	for _, f := range fields {
		if !r.Registered(f) {
			t.Errorf("field %q missing from default registry", f)
		}
	}

	if k, _ := r.KindOf(FieldClarifiedDocIDs); k != MergeUnique {
		t.Errorf("clarified doc ids should merge_unique, got %v", k)
	}
	if k, _ := r.KindOf(FieldRetrievalScores); k != Average {
		t.Errorf("retrieval scores should average, got %v", k)
	}
}
