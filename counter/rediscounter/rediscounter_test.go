package rediscounter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TALLY_REDIS_ADDR")
	if addr == "" {
		t.Skip("TALLY_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCounter(t *testing.T) {
	ctx := context.Background()
	c := New(newClient(t), "tally:test:"+uuid.NewString()+":")

	v, err := c.IncrementCounter(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = c.IncrementCounter(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = c.GetCounter(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = c.GetCounter(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, c.ResetCounter(ctx, "k"))
	v, err = c.IncrementCounter(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}
