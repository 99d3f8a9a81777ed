package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ResilientConfig controls retries and the circuit breaker around a backend
type ResilientConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	MaxFailures    int
	BreakerTimeout time.Duration
}

// DefaultResilientConfig matches the storage.* configuration defaults
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		MaxFailures:    5,
		BreakerTimeout: 30 * time.Second,
	}
}

// ResilientBackend retries failed calls with exponential backoff and stops
// calling the wrapped backend while its breaker is open.
type ResilientBackend struct {
	backend Backend
	breaker *Breaker
	cfg     ResilientConfig
	logger  zerolog.Logger
}

func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &ResilientBackend{
		backend: backend,
		breaker: NewBreaker(cfg.MaxFailures, cfg.BreakerTimeout, logger),
		cfg:     *cfg,
		logger:  logger.With().Str("component", "resilient-storage").Str("backend", backend.Type()).Logger(),
	}
}

// retryable reports whether err is worth another attempt. Missing segments
// and cancellation are final.
func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrBreakerOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// backoff returns the delay before retry number attempt (zero based)
func (r *ResilientBackend) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := r.cfg.RetryDelay << uint(attempt)
	if delay <= 0 || (r.cfg.RetryMaxDelay > 0 && delay > r.cfg.RetryMaxDelay) {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

// withRetry runs fn through the breaker until it succeeds, fails with a
// final error, or the retries are used up.
func withRetry[T any](ctx context.Context, r *ResilientBackend, op, path string, fn func() (T, error)) (T, error) {
	var (
		out     T
		lastErr error
	)

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.breaker.Do(func() error {
			var err error
			out, err = fn()
			return err
		}, retryable)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if errors.Is(err, ErrBreakerOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected, circuit breaker open")
			return out, err
		}
		if !retryable(err) {
			return out, err
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		}
	}

	var zero T
	return zero, fmt.Errorf("storage %s failed after %d retries: %w", op, r.cfg.MaxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	_, err := withRetry(ctx, r, "write", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Write(ctx, path, data)
	})
	return err
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	return withRetry(ctx, r, "read", path, func() ([]byte, error) {
		return r.backend.Read(ctx, path)
	})
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return withRetry(ctx, r, "list", prefix, func() ([]string, error) {
		return r.backend.List(ctx, prefix)
	})
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	_, err := withRetry(ctx, r, "delete", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Delete(ctx, path)
	})
	return err
}

func (r *ResilientBackend) Exists(ctx context.Context, path string) (bool, error) {
	return withRetry(ctx, r, "exists", path, func() (bool, error) {
		return r.backend.Exists(ctx, path)
	})
}

func (r *ResilientBackend) Close() error {
	return r.backend.Close()
}

func (r *ResilientBackend) Type() string {
	return r.backend.Type()
}

// Unwrap returns the wrapped backend
func (r *ResilientBackend) Unwrap() Backend {
	return r.backend
}

// BreakerState reports the state of the circuit breaker
func (r *ResilientBackend) BreakerState() BreakerState {
	return r.breaker.State()
}

// ResetBreaker closes the circuit breaker
func (r *ResilientBackend) ResetBreaker() {
	r.breaker.Reset()
}
