// Package redislock implements lock.Locker on Redis for engines running
// on more than one process.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/lock"
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Compile-time interface check.
var _ lock.Locker = (*Locker)(nil)

type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL bounds how long a lock survives a crashed holder.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithRetryInterval sets the polling interval of Lock.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retry = d }
}

// New creates a Redis locker with keys under prefix.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Locker {
	l := &Locker{client: client, prefix: prefix, ttl: 30 * time.Second, retry: 25 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) try(ctx context.Context, key string) (lock.Unlock, error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("tally/redis: lock %s: %w", key, err)
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}
	return func() {
		// Release must not depend on the caller's context.
		_ = releaseScript.Run(context.Background(), l.client, []string{k}, token).Err() //nolint:errcheck // expires after ttl anyway
	}, nil
}

func (l *Locker) TryLock(ctx context.Context, key string) (lock.Unlock, error) {
	return l.try(ctx, key)
}

func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		unlock, err := l.try(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, lock.ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
