// Package shutdown cancels in-flight loads on a signal and closes the
// catalog and storage in a fixed order when the process exits.
package shutdown

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Close order: lower first
const (
	PriorityLoader  = 10 // Stop accepting new payloads
	PriorityStorage = 80 // Storage backends
	PriorityCatalog = 90 // Catalog database last
)

type namedCloser struct {
	name     string
	closer   io.Closer
	priority int
}

// Coordinator closes registered components in priority order
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	closers []namedCloser
	once    sync.Once
	err     error
}

func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
	}
}

// Register adds a component to close on Shutdown
func (c *Coordinator) Register(name string, closer io.Closer, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, namedCloser{name: name, closer: closer, priority: priority})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered component for shutdown")
}

// SignalContext returns a context canceled on SIGINT or SIGTERM
func (c *Coordinator) SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal, canceling in-flight payloads")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shutdown closes every component once, in priority order, and returns the
// first error. Components still closing when the timeout expires are
// abandoned.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.mu.Lock()
		closers := append([]namedCloser(nil), c.closers...)
		c.mu.Unlock()
		sort.SliceStable(closers, func(i, j int) bool { return closers[i].priority < closers[j].priority })

		start := time.Now()
		deadline := time.NewTimer(c.timeout)
		defer deadline.Stop()

		for _, nc := range closers {
			done := make(chan error, 1)
			go func() { done <- nc.closer.Close() }()

			select {
			case err := <-done:
				if err != nil {
					c.logger.Error().Err(err).Str("name", nc.name).Msg("Component shutdown failed")
					c.err = errors.Join(c.err, err)
				}
			case <-deadline.C:
				c.logger.Warn().Str("name", nc.name).Msg("Shutdown timeout reached, skipping remaining components")
				c.err = errors.Join(c.err, context.DeadlineExceeded)
				return
			}
		}

		c.logger.Debug().Dur("duration", time.Since(start)).Int("components", len(closers)).Msg("Shutdown complete")
	})
	return c.err
}
