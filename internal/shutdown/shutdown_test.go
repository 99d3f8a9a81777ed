package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingCloser struct {
	name  string
	log   *[]string
	mu    *sync.Mutex
	err   error
	delay time.Duration
}

func (r recordingCloser) Close() error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.mu.Unlock()
	return r.err
}

func TestShutdown_ClosesInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	c := New(time.Second, zerolog.Nop())

	c.Register("catalog", recordingCloser{name: "catalog", log: &closed, mu: &mu}, PriorityCatalog)
	c.Register("loader", recordingCloser{name: "loader", log: &closed, mu: &mu}, PriorityLoader)
	c.Register("storage", recordingCloser{name: "storage", log: &closed, mu: &mu}, PriorityStorage)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"loader", "storage", "catalog"}
	if len(closed) != len(want) {
		t.Fatalf("closed = %v, want %v", closed, want)
	}
	for i := range want {
		if closed[i] != want[i] {
			t.Errorf("closed[%d] = %s, want %s", i, closed[i], want[i])
		}
	}
}

func TestShutdown_RunsOnce(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	c := New(time.Second, zerolog.Nop())
	c.Register("storage", recordingCloser{name: "storage", log: &closed, mu: &mu}, PriorityStorage)

	c.Shutdown()
	c.Shutdown()

	if len(closed) != 1 {
		t.Errorf("Close called %d times, want 1", len(closed))
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	errStorage := errors.New("flush failed")
	c := New(time.Second, zerolog.Nop())
	c.Register("storage", recordingCloser{name: "storage", log: &closed, mu: &mu, err: errStorage}, PriorityStorage)
	c.Register("catalog", recordingCloser{name: "catalog", log: &closed, mu: &mu}, PriorityCatalog)

	err := c.Shutdown()
	if !errors.Is(err, errStorage) {
		t.Errorf("Shutdown() error = %v, want %v", err, errStorage)
	}
	if len(closed) != 2 {
		t.Errorf("closed = %v, want both components closed", closed)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	c := New(20*time.Millisecond, zerolog.Nop())
	c.Register("slow", recordingCloser{name: "slow", log: &closed, mu: &mu, delay: time.Second}, PriorityStorage)
	c.Register("catalog", recordingCloser{name: "catalog", log: &closed, mu: &mu}, PriorityCatalog)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, name := range closed {
		if name == "catalog" {
			t.Error("catalog closed after timeout, want it skipped")
		}
	}
}

func TestSignalContext_ParentCancel(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := c.SignalContext(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled with its parent")
	}
}
