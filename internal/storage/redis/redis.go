// Package redis implements the lock store on a Redis server. Every write
// runs as an optimistic WATCH/MULTI transaction so claim and release are
// atomic read-modify-write operations even with concurrent processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pkt.systems/portald/internal/storage"
)

const keyPrefix = "portald:lock:"

// Store implements storage.Backend against a Redis server.
type Store struct {
	client *redis.Client
}

// New connects to the Redis server described by rawURL (redis:// or
// rediss://) and verifies connectivity with a ping.
func New(ctx context.Context, rawURL string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse store url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func lockKey(id string) string {
	return keyPrefix + id
}

// LoadLock fetches and decodes the record for id. The raw stored payload
// doubles as the CAS ETag.
func (s *Store) LoadLock(ctx context.Context, id string) (*storage.LockRecord, string, error) {
	payload, err := s.client.Get(ctx, lockKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("redis: load lock %q: %w", id, err)
	}
	var rec storage.LockRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, "", fmt.Errorf("redis: decode lock %q: %w", id, err)
	}
	return &rec, payload, nil
}

// StoreLock writes the record inside a WATCH transaction. The write only
// commits when the stored payload still equals expectedETag (or the key is
// still absent when expectedETag is empty).
func (s *Store) StoreLock(ctx context.Context, id string, rec *storage.LockRecord, expectedETag string) (string, error) {
	key := lockKey(id)
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("redis: encode lock %q: %w", id, err)
	}
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedETag != "" {
				return storage.ErrNotFound
			}
		case err != nil:
			return err
		default:
			if expectedETag == "" || current != expectedETag {
				return storage.ErrCASMismatch
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	err = s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Key mutated between WATCH and EXEC.
		return "", storage.ErrCASMismatch
	}
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("redis: store lock %q: %w", id, err)
	}
	return string(payload), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
