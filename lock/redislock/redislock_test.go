package redislock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/lock"
)

func newLocker(t *testing.T) *Locker {
	t.Helper()
	addr := os.Getenv("TALLY_REDIS_ADDR")
	if addr == "" {
		t.Skip("TALLY_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "tally:test:"+uuid.NewString()+":", WithTTL(5*time.Second))
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	l := newLocker(t)

	unlock, err := l.TryLock(ctx, "k")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "k")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	again()
}
