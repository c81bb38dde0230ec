// Package reqguard bounds a request's lifetime. A Scope collects the
// cleanup obligations accumulated while the request acquires resources
// and guarantees they run exactly once, whether triggered by the normal
// completion path or by the deadline watchdog racing it.
package reqguard

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/clock"
)

// Scope is a one-shot cleanup unit. Deferred functions run LIFO on the
// first Close; later Close calls are no-ops. Cleanup failures are logged
// and never propagate: forced cleanup must not take the process down.
type Scope struct {
	logger pslog.Logger

	mu     sync.Mutex
	closed bool
	fns    []deferred
}

type deferred struct {
	name string
	fn   func(ctx context.Context) error
}

// NewScope constructs an empty Scope.
func NewScope(logger pslog.Logger) *Scope {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Scope{logger: logger}
}

// Defer registers a named cleanup function. Registration after Close is
// rejected by running the function immediately; a request that lost the
// watchdog race must not leak the resource it just acquired.
func (s *Scope) Defer(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if !s.closed {
		s.fns = append(s.fns, deferred{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.run(context.Background(), deferred{name: name, fn: fn})
}

// Close runs the deferred cleanups in reverse order, exactly once.
func (s *Scope) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		s.run(ctx, fns[i])
	}
}

// Closed reports whether Close has run.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scope) run(ctx context.Context, d deferred) {
	if err := d.fn(ctx); err != nil {
		s.logger.Error("reqguard.cleanup_failed", "cleanup", d.name, "error", err)
	}
}

// Watchdog arms per-request deadline timers.
type Watchdog struct {
	clock    clock.Clock
	deadline time.Duration
	logger   pslog.Logger
}

// NewWatchdog constructs a Watchdog firing after deadline.
func NewWatchdog(clk clock.Clock, deadline time.Duration, logger pslog.Logger) *Watchdog {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Watchdog{clock: clk, deadline: deadline, logger: logger}
}

// Timer is one armed watchdog.
type Timer struct {
	stop   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	fired  bool
	firedC chan struct{}
}

// Arm starts the deadline timer. If it fires before Disarm, onTimeout
// runs first (typically to emit the timeout response through the caller's
// write-once guard) and then the scope is force-closed. The in-flight
// pipeline is not interrupted; forced cleanup runs alongside it.
func (w *Watchdog) Arm(scope *Scope, onTimeout func()) *Timer {
	t := &Timer{stop: make(chan struct{}), firedC: make(chan struct{})}
	go func() {
		select {
		case <-w.clock.After(w.deadline):
			t.mu.Lock()
			t.fired = true
			t.mu.Unlock()
			w.logger.Warn("reqguard.watchdog.fired", "deadline_seconds", w.deadline.Seconds())
			if onTimeout != nil {
				onTimeout()
			}
			scope.Close(context.Background())
			close(t.firedC)
		case <-t.stop:
		}
	}()
	return t
}

// Disarm cancels the timer; safe to call more than once and after firing.
func (t *Timer) Disarm() {
	t.once.Do(func() { close(t.stop) })
}

// Fired reports whether the deadline elapsed.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Done returns a channel closed after a fired watchdog finishes its
// forced cleanup; used by tests to synchronize.
func (t *Timer) Done() <-chan struct{} {
	return t.firedC
}
