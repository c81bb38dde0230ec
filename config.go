package portald

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/portald/internal/pipeline"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8970"
	// DefaultListenProto controls the listen network.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape endpoint.
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory lock store when no
	// store is provided (tests/dev; use redis:// in production).
	DefaultStore = "mem://"
	// DefaultLockStaleness is how old a held lock stamp may grow before
	// the holder is presumed crashed and the record reclaimed.
	DefaultLockStaleness = 120 * time.Second
	// DefaultLockPoll is the lock acquisition polling interval.
	DefaultLockPoll = 1500 * time.Millisecond
	// DefaultLockWait caps how long a request waits for its identity
	// lock before reporting the server busy.
	DefaultLockWait = 118 * time.Minute
	// DefaultRequestDeadline bounds a request end to end; the watchdog
	// forces cleanup when it elapses.
	DefaultRequestDeadline = 118 * time.Minute
	// DefaultProbeTimeout bounds the non-destructive login-marker probe.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultElementTimeout bounds ordinary element waits.
	DefaultElementTimeout = 20 * time.Second
	// DefaultStepPolicy decides what a soft step failure does to the
	// rest of the pipeline ("continue" or "abort").
	DefaultStepPolicy = "continue"
)

// Config carries all server settings. The zero value plus applyDefaults
// yields a working in-memory development server.
type Config struct {
	// Listen is the HTTP endpoint, ListenProto its network.
	Listen      string
	ListenProto string
	// MetricsListen is the Prometheus scrape endpoint; empty disables.
	MetricsListen string
	// Store is the lock store URL (mem://, redis://host:port/db).
	Store string
	// PortalURL overrides the portal root; empty selects the default.
	PortalURL string
	// CredentialBundle is the path to the kryptograf PEM bundle holding
	// the credential key. Empty mints an ephemeral key at startup.
	CredentialBundle string

	LockStaleness   time.Duration
	LockPoll        time.Duration
	LockWait        time.Duration
	RequestDeadline time.Duration
	ProbeTimeout    time.Duration
	ElementTimeout  time.Duration

	// StepPolicy is "continue" or "abort".
	StepPolicy string
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.LockStaleness <= 0 {
		c.LockStaleness = DefaultLockStaleness
	}
	if c.LockPoll <= 0 {
		c.LockPoll = DefaultLockPoll
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = DefaultRequestDeadline
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = DefaultElementTimeout
	}
	if c.StepPolicy == "" {
		c.StepPolicy = DefaultStepPolicy
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if !strings.HasPrefix(c.Store, "mem://") &&
		!strings.HasPrefix(c.Store, "redis://") &&
		!strings.HasPrefix(c.Store, "rediss://") {
		return fmt.Errorf("config: unsupported store url %q (mem://, redis://, rediss://)", c.Store)
	}
	if _, err := pipeline.ParsePolicy(c.StepPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LockStaleness >= c.LockWait {
		return fmt.Errorf("config: lock staleness (%s) must be below the lock wait ceiling (%s)",
			c.LockStaleness, c.LockWait)
	}
	return nil
}
