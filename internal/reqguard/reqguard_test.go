package reqguard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/portald/internal/clock"
)

func TestScopeRunsOnceLIFO(t *testing.T) {
	s := NewScope(nil)
	var order []string
	s.Defer("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	s.Defer("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	s.Close(context.Background())
	s.Close(context.Background())
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("cleanup order = %v, want [second first]", order)
	}
	if !s.Closed() {
		t.Fatalf("scope not closed")
	}
}

func TestScopeDeferAfterCloseRunsImmediately(t *testing.T) {
	s := NewScope(nil)
	s.Close(context.Background())
	var ran atomic.Bool
	s.Defer("late", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if !ran.Load() {
		t.Fatalf("late registration did not run; the resource would leak")
	}
}

func TestScopeToleratesCleanupError(t *testing.T) {
	s := NewScope(nil)
	var second atomic.Bool
	s.Defer("ok", func(context.Context) error {
		second.Store(true)
		return nil
	})
	s.Defer("broken", func(context.Context) error {
		return errors.New("cleanup failed")
	})
	s.Close(context.Background())
	if !second.Load() {
		t.Fatalf("a failing cleanup stopped the remaining cleanups")
	}
}

func TestWatchdogFires(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	w := NewWatchdog(clk, time.Minute, nil)
	s := NewScope(nil)
	var cleaned atomic.Bool
	s.Defer("resource", func(context.Context) error {
		cleaned.Store(true)
		return nil
	})
	var timedOut atomic.Bool
	timer := w.Arm(s, func() { timedOut.Store(true) })

	waitForPending(t, clk)
	clk.Advance(time.Minute)
	select {
	case <-timer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("watchdog never fired")
	}
	if !timer.Fired() {
		t.Fatalf("timer does not report fired")
	}
	if !timedOut.Load() {
		t.Fatalf("onTimeout did not run")
	}
	if !cleaned.Load() || !s.Closed() {
		t.Fatalf("forced cleanup did not run")
	}
	timer.Disarm() // after firing: must be a no-op
}

func TestWatchdogDisarmed(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	w := NewWatchdog(clk, time.Minute, nil)
	s := NewScope(nil)
	timer := w.Arm(s, func() {
		t.Errorf("onTimeout ran after disarm")
	})
	waitForPending(t, clk)
	timer.Disarm()
	timer.Disarm()
	clk.Advance(2 * time.Minute)
	if timer.Fired() {
		t.Fatalf("disarmed timer fired")
	}
	if s.Closed() {
		t.Fatalf("disarmed timer closed the scope")
	}
}

// Normal completion and the watchdog race to the same scope; whoever is
// second must find nothing left to do.
func TestScopeExactlyOnceUnderRace(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	w := NewWatchdog(clk, time.Minute, nil)
	s := NewScope(nil)
	var runs atomic.Int64
	s.Defer("resource", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	timer := w.Arm(s, nil)
	waitForPending(t, clk)

	s.Close(context.Background()) // normal path wins
	clk.Advance(time.Minute)      // watchdog fires afterwards
	select {
	case <-timer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("watchdog never fired")
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times, want exactly once", got)
	}
}

// waitForPending blocks until the watchdog goroutine has registered its
// timer on the manual clock.
func waitForPending(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog timer never registered")
		}
		time.Sleep(time.Millisecond)
	}
}
