// Package storage defines the transactional lock-store contract shared by
// all backends. A backend persists one LockRecord per identity and must
// offer compare-and-set semantics on it; any store with atomic
// read-modify-write transactions can satisfy the interface.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no lock record exists for the identity.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates the record changed since it was read.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// LockRecord is the persistent claim on an identity key. The JSON field
// names (including the historical "accquireLock" spelling) are the wire
// schema shared with pre-existing deployments and must not change.
type LockRecord struct {
	Held       bool  `json:"accquireLock"`
	LockAtUnix int64 `json:"lockAt"`
}

// Clone returns a copy of the record.
func (r *LockRecord) Clone() *LockRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Backend persists lock records keyed by identity. Records are never
// deleted, only toggled: the record doubles as a rendezvous point that
// survives process restarts.
type Backend interface {
	// LoadLock returns the record for id plus an opaque ETag for CAS.
	LoadLock(ctx context.Context, id string) (*LockRecord, string, error)
	// StoreLock writes the record. An empty expectedETag demands
	// creation (ErrCASMismatch if the record exists); otherwise the
	// stored ETag must match or ErrCASMismatch is returned. The new
	// ETag is returned on success.
	StoreLock(ctx context.Context, id string, rec *LockRecord, expectedETag string) (string, error)
	Close() error
}
