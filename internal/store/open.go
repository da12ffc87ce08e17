package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/evgraph/internal/config"
)

// OpenFromConfig opens the backend selected by cfg.
func OpenFromConfig(ctx context.Context, cfg config.StoreConfig) (EventStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return Open(cfg.Path)

	case config.BackendMemory:
		return NewMemory(), nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(rdb, cfg.RedisPrefix), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
