// Package memory implements the lock store in process memory; intended
// for tests and single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/portald/internal/storage"
)

// Store implements storage.Backend backed by a map.
type Store struct {
	mu    sync.RWMutex
	locks map[string]*entry
}

type entry struct {
	rec  *storage.LockRecord
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{locks: make(map[string]*entry)}
}

// LoadLock returns a copy of the record stored for id.
func (s *Store) LoadLock(_ context.Context, id string) (*storage.LockRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.locks[id]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return e.rec.Clone(), e.etag, nil
}

// StoreLock writes the record for id, enforcing CAS on expectedETag.
func (s *Store) StoreLock(_ context.Context, id string, rec *storage.LockRecord, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.locks[id]
	if expectedETag == "" {
		if exists {
			return "", storage.ErrCASMismatch
		}
	} else {
		if !exists {
			return "", storage.ErrNotFound
		}
		if e.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	}
	etag := xid.New().String()
	s.locks[id] = &entry{rec: rec.Clone(), etag: etag}
	return etag, nil
}

// Close satisfies storage.Backend; the in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
