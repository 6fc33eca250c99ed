package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("get_card_state") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")
	if !b.Allow("get_card_state") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("get_card_state")
	if b.Allow("get_card_state") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("get_card_state") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("get_card_state"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")
	if b.Allow("get_card_state") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one trial call.
	if !b.Allow("get_card_state") {
		t.Fatal("should allow a trial call in half-open")
	}
	if b.State("get_card_state") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("get_card_state"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("get_card_state") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")
	time.Sleep(60 * time.Millisecond)
	b.Allow("get_card_state") // Transitions to half-open

	b.RecordSuccess("get_card_state")
	if b.State("get_card_state") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("get_card_state"))
	}
	if !b.Allow("get_card_state") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")
	time.Sleep(60 * time.Millisecond)
	b.Allow("get_card_state") // Transitions to half-open

	b.RecordFailure("get_card_state")
	if b.State("get_card_state") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("get_card_state"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")
	b.RecordSuccess("get_card_state")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("get_card_state")
	if !b.Allow("get_card_state") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state")

	// A tripped read circuit leaves writes alone.
	if b.Allow("get_card_state") {
		t.Fatal("get_card_state should be open")
	}
	if !b.Allow("put_card_state") {
		t.Fatal("put_card_state should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("get_card_state")
	b.RecordFailure("get_card_state") // Should trigger closed→open.

	// Give goroutine time to run.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
	mu.Unlock()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestBreaker_Execute(t *testing.T) {
	b := New(2, time.Hour)
	down := errors.New("connection refused")
	notFound := errors.New("bad request")
	countable := func(err error) bool { return err == down }

	// Errors the classifier ignores never trip the circuit.
	for i := 0; i < 5; i++ {
		if err := b.Execute("append_transaction", countable, func() error { return notFound }); err != notFound {
			t.Fatalf("expected passthrough error, got %v", err)
		}
	}
	if b.State("append_transaction") != StateClosed {
		t.Fatal("non-counted failures should not open the circuit")
	}

	_ = b.Execute("append_transaction", countable, func() error { return down })
	_ = b.Execute("append_transaction", countable, func() error { return down })

	called := false
	err := b.Execute("append_transaction", countable, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}

	// Other keys are unaffected.
	if err := b.Execute("get_card_state", nil, func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
