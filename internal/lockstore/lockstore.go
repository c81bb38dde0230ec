// Package lockstore turns the raw storage CAS contract into claim/release
// semantics for a single identity key, including staleness recovery for
// records abandoned by crashed holders.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/clock"
	"pkt.systems/portald/internal/storage"
)

// DefaultStaleness is how old a held record's stamp may grow before the
// holder is presumed dead. Tunable; see Config.
const DefaultStaleness = 120 * time.Second

const releaseAttempts = 5

// Config assembles a Client.
type Config struct {
	Backend   storage.Backend
	Clock     clock.Clock
	Staleness time.Duration
	Logger    pslog.Logger
}

// Client mediates all lock-record reads and writes.
type Client struct {
	backend   storage.Backend
	clock     clock.Clock
	staleness time.Duration
	logger    pslog.Logger
}

// New constructs a Client, applying defaults for unset fields.
func New(cfg Config) *Client {
	c := &Client{
		backend:   cfg.Backend,
		clock:     cfg.Clock,
		staleness: cfg.Staleness,
		logger:    cfg.Logger,
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.staleness <= 0 {
		c.staleness = DefaultStaleness
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	return c
}

// TryClaim attempts to claim the lock record for id in a single CAS cycle.
// A stale held record is cleared but deliberately reported as not claimed:
// the next poll claims it cleanly, so two claimers racing on the same
// stale record can never both win in one cycle. Losing a CAS race is a
// normal outcome, not an error.
func (c *Client) TryClaim(ctx context.Context, id string) (bool, error) {
	now := c.clock.Now()
	rec, etag, err := c.backend.LoadLock(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		claim := &storage.LockRecord{Held: true, LockAtUnix: now.Unix()}
		if _, err := c.backend.StoreLock(ctx, id, claim, ""); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				return false, nil
			}
			return false, fmt.Errorf("lockstore: create claim %q: %w", id, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lockstore: load %q: %w", id, err)
	}
	if !rec.Held {
		claim := &storage.LockRecord{Held: true, LockAtUnix: now.Unix()}
		if _, err := c.backend.StoreLock(ctx, id, claim, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("lockstore: claim %q: %w", id, err)
		}
		return true, nil
	}
	age := now.Sub(time.Unix(rec.LockAtUnix, 0))
	if age > c.staleness {
		cleared := &storage.LockRecord{Held: false, LockAtUnix: now.Unix()}
		if _, err := c.backend.StoreLock(ctx, id, cleared, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("lockstore: clear stale claim %q: %w", id, err)
		}
		c.logger.Warn("lock.claim.stale_cleared",
			"id", id,
			"age_seconds", age.Seconds(),
			"staleness_seconds", c.staleness.Seconds(),
		)
		return false, nil
	}
	return false, nil
}

// Release marks the record for id as not held. Missing records and
// records already released are both fine; the operation is idempotent.
func (c *Client) Release(ctx context.Context, id string) error {
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		rec, etag, err := c.backend.LoadLock(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lockstore: load %q for release: %w", id, err)
		}
		if !rec.Held {
			return nil
		}
		released := &storage.LockRecord{Held: false, LockAtUnix: rec.LockAtUnix}
		_, err = c.backend.StoreLock(ctx, id, released, etag)
		if errors.Is(err, storage.ErrCASMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lockstore: release %q: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("lockstore: release %q: cas retries exhausted", id)
}

// Staleness reports the configured staleness threshold.
func (c *Client) Staleness() time.Duration {
	return c.staleness
}
