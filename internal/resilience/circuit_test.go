package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = NewTransientError(errors.New("boom"), 503)

func failN(t *testing.T, cb *CircuitBreaker, n int, err error) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return err })
	}
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	failN(t, cb, 2, errBoom)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}
	failN(t, cb, 1, errBoom)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	failN(t, cb, 2, errBoom)
	failN(t, cb, 1, nil)
	failN(t, cb, 2, errBoom)
	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures should not open, got %s", cb.State())
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)

	failN(t, cb, 10, NewPermanentError(errors.New("404"), 404))
	if cb.State() != CircuitClosed {
		t.Errorf("permanent errors should not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	failN(t, cb, 1, errBoom)

	*now = now.Add(2 * time.Minute)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during probe should be rejected, got %v", err)
	}

	close(release)
	wg.Wait()
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe should close the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	failN(t, cb, 1, errBoom)

	*now = now.Add(2 * time.Minute)
	failN(t, cb, 1, errBoom)
	if cb.State() != CircuitOpen {
		t.Errorf("failed probe should reopen, got %s", cb.State())
	}
}

func TestCircuitBreaker_ResetAndStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	failN(t, cb, 1, errBoom)
	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	got, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	a := sb.Get("perplexity")
	if sb.Get("perplexity") != a {
		t.Error("Get should return the same breaker per service")
	}
	b := sb.Get("anthropic")
	if a == b {
		t.Error("services should have separate breakers")
	}

	failN(t, a, 1, errBoom)
	states := sb.States()
	if states["perplexity"] != CircuitOpen {
		t.Errorf("perplexity = %s, want open", states["perplexity"])
	}
	if states["anthropic"] != CircuitClosed {
		t.Errorf("anthropic = %s, want closed", states["anthropic"])
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
