package circuit

import (
	"errors"
	"testing"
	"time"
)

var errDownstream = errors.New("downstream failed")

func failing() error { return errDownstream }
func succeeding() error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test", testConfig())

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}

	b.Call(failing)
	if b.State() != StateClosed {
		t.Fatalf("one failure should not open the breaker, got %s", b.State())
	}

	b.Call(failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 2, b.State())
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := NewBreaker("test", testConfig())
	b.Call(failing)
	b.Call(failing)

	called := false
	err := b.Call(func() error {
		called = true
		return nil
	})

	if called {
		t.Error("protected call should not run while open")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 50*time.Millisecond {
		t.Errorf("retry hint out of range: %s", openErr.RetryAfter)
	}
	if !IsOpenError(err) {
		t.Error("IsOpenError should report true")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", testConfig())

	b.Call(failing)
	b.Call(succeeding)
	b.Call(failing)

	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %s", b.State())
	}
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b := NewBreaker("test", testConfig())
	b.Call(failing)
	b.Call(failing)

	time.Sleep(60 * time.Millisecond)

	if err := b.Call(succeeding); err != nil {
		t.Fatalf("first probe should run: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("one probe success should keep half-open, got %s", b.State())
	}

	if err := b.Call(succeeding); err != nil {
		t.Fatalf("second probe should run: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after %d probe successes, got %s", 2, b.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker("test", testConfig())
	b.Call(failing)
	b.Call(failing)

	time.Sleep(60 * time.Millisecond)

	b.Call(failing)
	if b.State() != StateOpen {
		t.Fatalf("probe failure should reopen, got %s", b.State())
	}
}

func TestBreakerIgnoresNonCountingErrors(t *testing.T) {
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return errors.Is(err, errDownstream) }
	b := NewBreaker("test", cfg)

	business := errors.New("invalid quantity")
	for i := 0; i < 5; i++ {
		if err := b.Call(func() error { return business }); !errors.Is(err, business) {
			t.Fatalf("business error must propagate, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("non-counting errors must not open the breaker, got %s", b.State())
	}

	b.Call(failing)
	b.Call(failing)
	if b.State() != StateOpen {
		t.Fatalf("counting errors should still open, got %s", b.State())
	}
}

func TestBreakerNotifiesStateChanges(t *testing.T) {
	transitions := make(chan [2]State, 4)
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions <- [2]State{from, to}
	}
	b := NewBreaker("test", cfg)

	b.Call(failing)
	b.Call(failing)

	select {
	case tr := <-transitions:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Errorf("expected closed->open, got %s->%s", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("no transition notification")
	}
}
