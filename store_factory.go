package portald

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/portald/internal/storage"
	"pkt.systems/portald/internal/storage/memory"
	redisstore "pkt.systems/portald/internal/storage/redis"
)

// openBackend builds the lock store backend selected by the store URL.
func openBackend(ctx context.Context, storeURL string) (storage.Backend, error) {
	switch {
	case strings.HasPrefix(storeURL, "mem://"):
		return memory.New(), nil
	case strings.HasPrefix(storeURL, "redis://"), strings.HasPrefix(storeURL, "rediss://"):
		return redisstore.New(ctx, storeURL)
	}
	return nil, fmt.Errorf("config: unsupported store url %q", storeURL)
}
