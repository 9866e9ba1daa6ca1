// Package cache provides the shared Redis snapshot cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/togglr/internal/core"
)

const (
	// SnapshotKey is the Redis key holding the serialized flag snapshot.
	SnapshotKey = "togglr:snapshot"
	// DefaultSnapshotTTL bounds how long a cached snapshot may be served.
	DefaultSnapshotTTL = 60 * time.Second
)

// ErrCacheMiss is returned when no usable snapshot is cached.
var ErrCacheMiss = errors.New("cache miss")

// Cache provides Redis cache access methods.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a new Cache with a Redis client and verifies connectivity.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Ping checks Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// GetSnapshot returns the cached snapshot. Missing or undecodable entries are
// reported as ErrCacheMiss.
func (c *Cache) GetSnapshot(ctx context.Context) (*core.Snapshot, error) {
	data, err := c.client.Get(ctx, SnapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cached snapshot: %w", err)
	}

	snapshot, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	return snapshot, nil
}

// SetSnapshot stores snapshot with the configured TTL.
func (c *Cache) SetSnapshot(ctx context.Context, snapshot *core.Snapshot) error {
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, SnapshotKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached snapshot: %w", err)
	}
	return nil
}

// InvalidateSnapshot removes the cached snapshot so the next load reads the
// database.
func (c *Cache) InvalidateSnapshot(ctx context.Context) error {
	if err := c.client.Del(ctx, SnapshotKey).Err(); err != nil {
		return fmt.Errorf("invalidate cached snapshot: %w", err)
	}
	return nil
}

type cachedSnapshot struct {
	Version  int64       `json:"version"`
	LoadedAt time.Time   `json:"loadedAt"`
	Flags    []core.Flag `json:"flags"`
}

// EncodeSnapshot serializes snapshot for storage.
func EncodeSnapshot(snapshot *core.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, errors.New("snapshot is nil")
	}

	data, err := json.Marshal(cachedSnapshot{
		Version:  snapshot.Version(),
		LoadedAt: snapshot.LoadedAt(),
		Flags:    snapshot.Flags(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.Snapshot, error) {
	var cached cachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return core.NewSnapshot(cached.Version, cached.LoadedAt, cached.Flags), nil
}
