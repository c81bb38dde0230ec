// Package dlock provides the distributed per-identity mutex built on the
// lock store: polling acquisition with an overall wait ceiling, and
// one-shot release handles. Crash tolerance comes from the store's
// staleness reclaim rather than lease heartbeats; hold durations are
// bounded by the same ceiling as the wait.
package dlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/clock"
	"pkt.systems/portald/internal/lockstore"
)

// ErrLockTimeout reports that the wait ceiling elapsed before the lock
// could be claimed.
var ErrLockTimeout = errors.New("dlock: lock wait timeout")

const (
	// DefaultPoll is the claim polling interval.
	DefaultPoll = 1500 * time.Millisecond
	// DefaultMaxWait is the overall acquisition ceiling, chosen just
	// under the 120-minute request ceiling of the original hosting
	// platform.
	DefaultMaxWait = 118 * time.Minute
)

// Config assembles a Locker.
type Config struct {
	Store   *lockstore.Client
	Clock   clock.Clock
	Poll    time.Duration
	MaxWait time.Duration
	Logger  pslog.Logger
}

// Locker serializes work per identity key across processes.
type Locker struct {
	store   *lockstore.Client
	clock   clock.Clock
	poll    time.Duration
	maxWait time.Duration
	logger  pslog.Logger
}

// New constructs a Locker, applying defaults for unset fields.
func New(cfg Config) *Locker {
	l := &Locker{
		store:   cfg.Store,
		clock:   cfg.Clock,
		poll:    cfg.Poll,
		maxWait: cfg.MaxWait,
		logger:  cfg.Logger,
	}
	if l.clock == nil {
		l.clock = clock.Real{}
	}
	if l.poll <= 0 {
		l.poll = DefaultPoll
	}
	if l.maxWait <= 0 {
		l.maxWait = DefaultMaxWait
	}
	if l.logger == nil {
		l.logger = pslog.NoopLogger()
	}
	return l
}

// Acquire polls the lock store until the claim succeeds, the wait ceiling
// elapses, or ctx is cancelled. On timeout a defensive release is issued
// in case a claim raced the deadline.
func (l *Locker) Acquire(ctx context.Context, id string) (*Handle, error) {
	start := l.clock.Now()
	deadline := start.Add(l.maxWait)
	l.logger.Debug("lock.acquire.begin", "id", id, "max_wait_seconds", l.maxWait.Seconds())
	for {
		claimed, err := l.store.TryClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		if claimed {
			now := l.clock.Now()
			l.logger.Info("lock.acquire.claimed",
				"id", id,
				"waited_seconds", now.Sub(start).Seconds(),
			)
			return &Handle{locker: l, id: id, acquiredAt: now}, nil
		}
		if !l.clock.Now().Add(l.poll).Before(deadline) {
			_ = l.store.Release(ctx, id)
			l.logger.Warn("lock.acquire.timeout", "id", id, "max_wait_seconds", l.maxWait.Seconds())
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.poll):
		}
	}
}

// Handle represents a held lock. Release is safe to call any number of
// times; only the first call touches the store.
type Handle struct {
	locker     *Locker
	id         string
	acquiredAt time.Time
	once       sync.Once
}

// Key returns the identity the handle guards.
func (h *Handle) Key() string {
	return h.id
}

// AcquiredAt returns the local acquisition time.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Release returns the lock to the store exactly once.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.locker.store.Release(ctx, h.id)
		h.locker.logger.Info("lock.release",
			"id", h.id,
			"held_seconds", h.locker.clock.Now().Sub(h.acquiredAt).Seconds(),
		)
	})
	return err
}
