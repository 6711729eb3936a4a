// Package rediscache stores cache snapshots in Redis as JSON.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/cache"
)

// Compile-time interface check.
var _ cache.Backend = (*Backend)(nil)

type Backend struct {
	client redis.UniversalClient
	prefix string
}

// New creates a backend with keys under prefix.
func New(client redis.UniversalClient, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) Get(ctx context.Context, key string) (*cache.Snapshot, bool, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tally/redis: get snapshot: %w", err)
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("tally/redis: decode snapshot: %w", err)
	}
	return &snap, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, snap *cache.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("tally/redis: encode snapshot: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("tally/redis: set snapshot: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("tally/redis: delete snapshot: %w", err)
	}
	return nil
}
