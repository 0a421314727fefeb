package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/observability/logging"
)

// RedisTier implements the SHARED cache tier on Redis. Entries are stored as
// JSON under a configurable key prefix with a server-side TTL, so expiry is
// enforced even if a process never reads the key again.
//
// The tier is deliberately tolerant of backend outages: construction succeeds
// even when the first ping fails, and every operation retries naturally on
// the next call. Callers treat any error as a miss.
type RedisTier struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisTier connects to Redis. An unreachable backend is logged, not
// fatal; the tier starts degraded and recovers as soon as the backend does.
func NewRedisTier(cfg config.RedisConfig) (*RedisTier, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "promptgate:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	t := &RedisTier{client: client, keyPrefix: keyPrefix}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.CheckConnection(ctx); err != nil {
		logging.Warnf("Shared cache tier unreachable at startup, operating local-only until it recovers: %v", err)
	} else {
		logging.Infof("Shared cache tier connected: addr=%s prefix=%s", cfg.Address, keyPrefix)
	}

	return t, nil
}

func (t *RedisTier) entryKey(key string) string {
	return t.keyPrefix + key
}

// Get fetches and deserializes an entry. A missing key returns (nil, nil).
func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupt shared cache entry: %w", err)
	}
	return &e, nil
}

// Set serializes and stores an entry with the given TTL.
func (t *RedisTier) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal shared cache entry: %w", err)
	}
	if err := t.client.Set(ctx, t.entryKey(entry.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge deletes every key under the tier's prefix using SCAN, so it stays
// safe against shared Redis databases.
func (t *RedisTier) Purge(ctx context.Context) error {
	iter := t.client.Scan(ctx, 0, t.keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) > 0 {
		if err := t.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// CheckConnection verifies the backend is reachable.
func (t *RedisTier) CheckConnection(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (t *RedisTier) Close() error {
	return t.client.Close()
}
