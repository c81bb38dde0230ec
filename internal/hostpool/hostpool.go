// Package hostpool owns the single shared session host. The host is
// launched when the reference count rises from zero and destroyed when it
// returns to zero; every transition, including the launch itself, runs
// under one mutex because creation spans suspension points.
package hostpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
)

// ErrRefReleased reports a second release of the same reference. That is
// a programming error in the caller, not a tolerated idempotent case: the
// refcount must never be decremented twice for one acquire.
var ErrRefReleased = errors.New("hostpool: ref already released")

// Pool reference-counts users of the shared automation host.
type Pool struct {
	launcher browser.Launcher
	logger   pslog.Logger

	mu   sync.Mutex // held across launch and teardown
	host browser.Host
	refs int
}

// New constructs a Pool around launcher.
func New(launcher browser.Launcher, logger pslog.Logger) *Pool {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Pool{launcher: launcher, logger: logger}
}

// Acquire returns a reference holding a fresh session on the shared host,
// launching the host first when no references exist. The launch happens
// on the first acquirer's critical path so overlapping acquirers never
// observe a half-created host.
func (p *Pool) Acquire(ctx context.Context) (*Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		host, err := p.launcher.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("hostpool: launch host: %w", err)
		}
		p.host = host
		p.logger.Info("pool.host.launched")
	}
	session, err := p.host.NewSession(ctx)
	if err != nil {
		if p.refs == 0 {
			if closeErr := p.host.Close(ctx); closeErr != nil {
				p.logger.Error("pool.host.close_failed", "error", closeErr)
			}
			p.host = nil
		}
		return nil, fmt.Errorf("hostpool: new session: %w", err)
	}
	p.refs++
	p.logger.Debug("pool.acquire", "refs", p.refs)
	return &Ref{pool: p, session: session}, nil
}

// Refs reports the current reference count.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Ref is one request's hold on the shared host plus its private session.
type Ref struct {
	pool     *Pool
	session  browser.Session
	released bool
}

// Session returns the isolated automation session owned by this ref.
func (r *Ref) Session() browser.Session {
	return r.session
}

// Release closes the session and drops the reference; when the count
// reaches zero the shared host is destroyed. Releasing the same ref twice
// fails loudly with ErrRefReleased.
func (r *Ref) Release(ctx context.Context) error {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.released {
		return ErrRefReleased
	}
	r.released = true
	if err := r.session.Close(ctx); err != nil {
		p.logger.Error("pool.session.close_failed", "error", err)
	}
	p.refs--
	p.logger.Debug("pool.release", "refs", p.refs)
	if p.refs == 0 {
		err := p.host.Close(ctx)
		p.host = nil
		p.logger.Info("pool.host.destroyed")
		if err != nil {
			return fmt.Errorf("hostpool: close host: %w", err)
		}
	}
	return nil
}
