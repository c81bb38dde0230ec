package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/portald/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client), mr
}

func TestCreateLoadUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, _, err := s.LoadLock(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}
	etag, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true, LockAtUnix: 42}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, loadedETag, err := s.LoadLock(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !rec.Held || rec.LockAtUnix != 42 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if loadedETag != etag {
		t.Fatalf("etag mismatch: load=%q store=%q", loadedETag, etag)
	}
	if _, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: false, LockAtUnix: 42}, etag); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _, err = s.LoadLock(ctx, "alice")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rec.Held {
		t.Fatalf("record still held after release write")
	}
}

func TestCreateOnlyConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	if _, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true}, "")
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for duplicate create, got %v", err)
	}
}

func TestStaleETagRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	etag, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true, LockAtUnix: 1}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true, LockAtUnix: 2}, etag); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = s.StoreLock(ctx, "alice", &storage.LockRecord{Held: false, LockAtUnix: 3}, etag)
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.StoreLock(ctx, "ghost", &storage.LockRecord{Held: false}, `{"accquireLock":true,"lockAt":1}`)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentWriteLosesCAS(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	etag, err := s.StoreLock(ctx, "alice", &storage.LockRecord{Held: true, LockAtUnix: 1}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Another process mutates the key between our read and write.
	if err := mr.Set(keyPrefix+"alice", `{"accquireLock":false,"lockAt":9}`); err != nil {
		t.Fatalf("seed concurrent write: %v", err)
	}
	_, err = s.StoreLock(ctx, "alice", &storage.LockRecord{Held: false, LockAtUnix: 2}, etag)
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch after concurrent write, got %v", err)
	}
}
