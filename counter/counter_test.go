package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// TTL is anchored at the first increment.
	now = now.Add(59 * time.Minute)
	v, _ := c.IncrementCounter(ctx, "k", time.Hour)
	assert.Equal(t, int64(4), v)

	now = now.Add(time.Minute)
	v, err := c.GetCounter(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, _ = c.IncrementCounter(ctx, "k", time.Hour)
	assert.Equal(t, int64(1), v)
}

func TestMemoryCounterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	_, _ = c.IncrementCounter(ctx, "a", time.Hour)
	_, _ = c.IncrementCounter(ctx, "a", time.Hour)
	_, _ = c.IncrementCounter(ctx, "b", time.Hour)

	a, _ := c.GetCounter(ctx, "a")
	b, _ := c.GetCounter(ctx, "b")
	assert.Equal(t, int64(2), a)
	assert.Equal(t, int64(1), b)
}

func TestMemoryCounterReset(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	_, _ = c.IncrementCounter(ctx, "k", time.Hour)
	_, _ = c.IncrementCounter(ctx, "k", time.Hour)

	require.NoError(t, c.ResetCounter(ctx, "k"))
	require.NoError(t, c.ResetCounter(ctx, "missing"))

	v, _ := c.GetCounter(ctx, "k")
	assert.Zero(t, v)
	v, _ = c.IncrementCounter(ctx, "k", time.Hour)
	assert.Equal(t, int64(1), v)
}
