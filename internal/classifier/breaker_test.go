package classifier

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{MaxFailures: 3, ResetTimeout: 5 * time.Second}, discardLogger())
	b.now = func() time.Time { return now }

	fail := errors.New("down")
	failing := func() error { return fail }
	ok := func() error { return nil }

	for i := 0; i < 2; i++ {
		if err := b.Execute(failing, nil); err != fail {
			t.Fatalf("Expected underlying error, got %v", err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("Expected closed after 2 failures, got %s", b.State())
	}

	b.Execute(failing, nil)
	if b.State() != BreakerOpen {
		t.Fatalf("Expected open after 3 failures, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Expected rejection while open, got %v (called=%v)", err, called)
	}

	now = now.Add(5 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("Expected half-open after reset timeout, got %s", b.State())
	}

	// Failed probe re-opens
	b.Execute(failing, nil)
	if b.State() != BreakerOpen {
		t.Fatalf("Expected open after failed probe, got %s", b.State())
	}

	now = now.Add(5 * time.Second)
	if err := b.Execute(ok, nil); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("Expected closed after successful probe, got %s", b.State())
	}
	if b.Trips() != 2 {
		t.Errorf("Expected 2 trips, got %d", b.Trips())
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1}, discardLogger())

	clientErr := &HTTPError{StatusCode: 422}
	for i := 0; i < 3; i++ {
		b.Execute(func() error { return clientErr }, countsAsServiceFailure)
	}

	if b.State() != BreakerClosed {
		t.Errorf("Client errors opened the breaker")
	}

	b.Execute(func() error { return &HTTPError{StatusCode: 500} }, countsAsServiceFailure)
	if b.State() != BreakerOpen {
		t.Errorf("Server error did not open the breaker")
	}

	b.Reset()
	if b.State() != BreakerClosed {
		t.Errorf("Reset did not close the breaker")
	}
}

func TestBreakerStateString(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
