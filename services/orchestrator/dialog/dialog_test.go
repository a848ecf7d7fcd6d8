// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dialog

import "testing"

func TestSafetyViolationOverridesEverything(t *testing.T) {
	d := Decide(DefaultConfig(), Input{
		Confidence:      0.95,
		SafetyViolation: true,
	})
	if d.State != StateEscalated {
		t.Fatalf("state = %s, want ESCALATED", d.State)
	}
	if !d.Escalate || d.Reason != ReasonSafetyViolation || d.Priority != PriorityHigh {
		t.Fatalf("unexpected escalation detail: %+v", d)
	}
}

func TestUserRequestedEscalation(t *testing.T) {
	d := Decide(DefaultConfig(), Input{
		Confidence:              0.9,
		UserRequestedEscalation: true,
	})
	if d.State != StateEscalated || d.Reason != ReasonUserRequested {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Priority != PriorityNormal {
		t.Fatalf("priority = %s, want normal without negative sentiment", d.Priority)
	}

	d = Decide(DefaultConfig(), Input{
		UserRequestedEscalation: true,
		NegativeSentiment:       true,
	})
	if d.Priority != PriorityUrgent {
		t.Fatalf("priority = %s, want urgent with negative sentiment", d.Priority)
	}
}

func TestLowConfidenceClarifiesThenEscalates(t *testing.T) {
	cfg := DefaultConfig() // threshold 0.5, max attempts 3

	d := Decide(cfg, Input{Confidence: 0.2, AttemptCount: 2})
	if d.State != StateClarifying {
		t.Fatalf("state = %s, want CLARIFYING", d.State)
	}
	if d.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", d.AttemptCount)
	}

	d = Decide(cfg, Input{Confidence: 0.2, AttemptCount: d.AttemptCount})
	if d.State != StateEscalated {
		t.Fatalf("state = %s, want ESCALATED after attempts exhausted", d.State)
	}
	if d.Reason != ReasonAttemptsExceeded || d.Priority != PriorityNormal {
		t.Fatalf("unexpected escalation detail: %+v", d)
	}
}

func TestHighConfidenceResolves(t *testing.T) {
	d := Decide(DefaultConfig(), Input{Confidence: 0.8, AttemptCount: 1})
	if d.State != StateResolved {
		t.Fatalf("state = %s, want RESOLVED", d.State)
	}
	if d.AttemptCount != 1 {
		t.Fatalf("attempt count changed on resolve: %d", d.AttemptCount)
	}
	if d.Escalate {
		t.Fatal("resolved turn should not escalate")
	}
}

func TestFollowupExpectedKeepsAwaiting(t *testing.T) {
	d := Decide(DefaultConfig(), Input{Confidence: 0.8, FollowupExpected: true})
	if d.State != StateAwaitingAnswer {
		t.Fatalf("state = %s, want AWAITING_ANSWER", d.State)
	}
}

func TestThresholdBoundaryResolves(t *testing.T) {
	d := Decide(DefaultConfig(), Input{Confidence: 0.5})
	if d.State != StateResolved {
		t.Fatalf("confidence exactly at threshold should resolve, got %s", d.State)
	}
}

func TestDeterminism(t *testing.T) {
	in := Input{Confidence: 0.3, AttemptCount: 1, FollowupExpected: true}
	first := Decide(DefaultConfig(), in)
	for i := 0; i < 10; i++ {
		if got := Decide(DefaultConfig(), in); got != first {
			t.Fatalf("decision not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		StateInitial:        false,
		StateClarifying:     false,
		StateAwaitingAnswer: false,
		StateResolved:       true,
		StateEscalated:      true,
	} {
		if Terminal(s) != want {
			t.Fatalf("Terminal(%s) = %v, want %v", s, !want, want)
		}
	}
}
