package lock

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the locker named by cfg.Backend. The returned closer releases
// the Redis connection, if any.
func Open(ctx context.Context, cfg config.LockConfig, rc config.RedisConfig) (Locker, io.Closer, error) {
	switch cfg.Backend {
	case "", "local":
		return NewKeyed(), nopCloser{}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     rc.Addr(),
			Password: rc.Password,
			DB:       rc.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr(), err)
		}
		return NewRedis(rdb, RedisOptions{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
			Wait:   cfg.Wait,
			Retry:  cfg.Retry,
		}), rdb, nil
	}
	return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}
