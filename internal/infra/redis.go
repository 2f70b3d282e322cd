// Package infra provides concrete infrastructure adapters. The Redis adapter
// wraps go-redis v9 as an optional restart-survivable idempotency backend;
// when Redis is not configured the gateway falls back to the JSON file
// snapshot in main.go.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/gateway/internal/idempotency"
)

const idemKeyPrefix = "openclaw:idem:"

// RedisBackend implements idempotency.Backend on a Redis instance.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects and pings Redis. The caller decides whether a
// connection failure is fatal or a reason to fall back to the file backend.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisBackend{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (b *RedisBackend) Close() error { return b.rdb.Close() }

// Store writes the outcome with the idempotency TTL.
func (b *RedisBackend) Store(ctx context.Context, key string, outcome idempotency.Outcome, ttl time.Duration) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, idemKeyPrefix+key, data, ttl).Err()
}

// Load returns the outcome for key, or nil when absent.
func (b *RedisBackend) Load(ctx context.Context, key string) (*idempotency.Outcome, error) {
	val, err := b.rdb.Get(ctx, idemKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out idempotency.Outcome
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, idemKeyPrefix+key).Err()
}
