package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the position of a Breaker
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Calls pass through
	BreakerOpen                         // Calls are rejected until the timeout passes
	BreakerHalfOpen                     // One probe call decides the next state
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without calling the backend while the breaker is open
var ErrBreakerOpen = errors.New("storage circuit breaker is open")

// Breaker stops calling a failing backend after maxFailures consecutive
// failures and lets a single probe through once timeout has elapsed.
type Breaker struct {
	maxFailures int
	timeout     time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker. maxFailures below 1 disables it.
func NewBreaker(maxFailures int, timeout time.Duration, logger zerolog.Logger) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		logger:      logger.With().Str("component", "storage-breaker").Logger(),
	}
}

// Do runs fn unless the breaker rejects the call. Errors for which
// countable returns false pass through without counting as failures.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if b.maxFailures < 1 {
		return fn()
	}
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := fn()
	b.record(err != nil && countable(err))
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !failed {
		b.failures = 0
		b.setState(BreakerClosed)
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

// setState must be called with mu held
func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.logger.Info().
		Str("from", b.state.String()).
		Str("to", s.String()).
		Int("failures", b.failures).
		Msg("Circuit breaker state changed")
	b.state = s
	if s == BreakerClosed {
		b.failures = 0
	}
}

// State returns the current state without advancing an expired open breaker
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed)
	b.failures = 0
	b.probing = false
}
