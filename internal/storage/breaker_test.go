package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBackend = errors.New("backend down")

func countAll(error) bool { return true }

// newTestBreaker returns a breaker driven by a settable clock
func newTestBreaker(maxFailures int, timeout time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(maxFailures, timeout, zerolog.Nop())
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStateString(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	fail := func() error { return errBackend }

	for i := 0; i < 3; i++ {
		if err := b.Do(fail, countAll); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: error = %v, want %v", i, err, errBackend)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil }, countAll)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("error = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("function was called while breaker open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	fail := func() error { return errBackend }
	ok := func() error { return nil }

	b.Do(fail, countAll)
	b.Do(ok, countAll)
	b.Do(fail, countAll)

	if b.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_UncountedErrorsPassThrough(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	notFound := func() error { return ErrNotFound }

	for i := 0; i < 5; i++ {
		if err := b.Do(notFound, retryable); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Second)
	b.Do(func() error { return errBackend }, countAll)
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %s, want open", b.State())
	}

	*now = now.Add(5 * time.Second)
	if err := b.Do(func() error { return nil }, countAll); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("before timeout: error = %v, want ErrBreakerOpen", err)
	}

	t.Run("failed probe reopens", func(t *testing.T) {
		*now = now.Add(6 * time.Second)
		if err := b.Do(func() error { return errBackend }, countAll); !errors.Is(err, errBackend) {
			t.Fatalf("probe error = %v, want %v", err, errBackend)
		}
		if b.State() != BreakerOpen {
			t.Errorf("State() = %s, want open", b.State())
		}
	})

	t.Run("successful probe closes", func(t *testing.T) {
		*now = now.Add(11 * time.Second)
		if err := b.Do(func() error { return nil }, countAll); err != nil {
			t.Fatalf("probe error = %v", err)
		}
		if b.State() != BreakerClosed {
			t.Errorf("State() = %s, want closed", b.State())
		}
	})
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	b, now := newTestBreaker(1, time.Second)
	b.Do(func() error { return errBackend }, countAll)
	*now = now.Add(2 * time.Second)

	var inner error
	err := b.Do(func() error {
		inner = b.Do(func() error { return nil }, countAll)
		return nil
	}, countAll)
	if err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if !errors.Is(inner, ErrBreakerOpen) {
		t.Errorf("concurrent call during probe: error = %v, want ErrBreakerOpen", inner)
	}
}

func TestBreaker_Disabled(t *testing.T) {
	b, _ := newTestBreaker(0, time.Second)
	for i := 0; i < 10; i++ {
		b.Do(func() error { return errBackend }, countAll)
	}
	if b.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.Do(func() error { return errBackend }, countAll)
	b.Reset()

	if b.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}
	if err := b.Do(func() error { return nil }, countAll); err != nil {
		t.Errorf("after reset: error = %v", err)
	}
}
