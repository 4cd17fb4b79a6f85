package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend    string
	TTL        time.Duration
	Prefix     string
	RedisAddr  string
	MaxEntries int // memory backend only; 0 means DefaultMaxEntries
}

// Enabled reports whether a cache should be built at all.
func (c Config) Enabled() bool {
	return c.Backend != "" && c.Backend != BackendNone && c.TTL > 0
}

// NewExactCache builds the configured backend with lookup metrics and
// logging. It returns nil when caching is disabled.
func NewExactCache(cfg Config, redisClient *redis.Client) (ExactCache, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("cache: redis backend requires a client")
		}
		return instrument(NewRedisExactCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}), BackendRedis), nil
	case BackendMemory:
		return instrument(NewMemoryExactCache(cfg.MaxEntries), BackendMemory), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// NewRedisClient dials addr and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", addr, err)
	}
	return client, nil
}
