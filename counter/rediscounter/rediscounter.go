// Package rediscounter implements counter.Counter on Redis INCR/EXPIRE.
package rediscounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/counter"
)

// Compile-time interface check.
var _ counter.Counter = (*Counter)(nil)

type Counter struct {
	client redis.UniversalClient
	prefix string
}

// New creates a counter; keys are stored under prefix.
func New(client redis.UniversalClient, prefix string) *Counter {
	return &Counter{client: client, prefix: prefix}
}

func (c *Counter) key(k string) string { return c.prefix + k }

func (c *Counter) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := c.key(key)
	count, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("tally/redis: increment %s: %w", key, err)
	}
	// The window starts at the first increment.
	if count == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, fmt.Errorf("tally/redis: expire %s: %w", key, err)
		}
	}
	return count, nil
}

func (c *Counter) GetCounter(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tally/redis: get %s: %w", key, err)
	}
	return count, nil
}

func (c *Counter) ResetCounter(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("tally/redis: reset %s: %w", key, err)
	}
	return nil
}
