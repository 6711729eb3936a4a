package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/counter"
)

func TestMemoryPublishConsume(t *testing.T) {
	q := NewMemory(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := NewJob("auto_topup", map[string]string{"feature": "credits"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, job))

	got := make(chan Job, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, j Job) error {
			got <- j
			return nil
		})
	}()

	select {
	case j := <-got:
		assert.Equal(t, job.ID, j.ID)
		assert.JSONEq(t, `{"feature":"credits"}`, string(j.Payload))
	case <-time.After(time.Second):
		t.Fatal("job not delivered")
	}
}

func TestMemoryFullAndClosed(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1, nil)
	require.NoError(t, q.Publish(ctx, Job{ID: "1"}))
	assert.ErrorIs(t, q.Publish(ctx, Job{ID: "2"}), ErrFull)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(ctx, Job{ID: "3"}), ErrClosed)
}

func TestDedupDropsRedelivery(t *testing.T) {
	ctx := context.Background()
	handled := 0
	h := Dedup(counter.NewMemory(), time.Hour, slog.Default(), func(context.Context, Job) error {
		handled++
		return nil
	})

	job := Job{ID: "job-1"}
	require.NoError(t, h(ctx, job))
	require.NoError(t, h(ctx, job))
	require.NoError(t, h(ctx, Job{ID: "job-2"}))
	assert.Equal(t, 2, handled)
}

func TestDedupRunsRedeliveryAfterFailure(t *testing.T) {
	ctx := context.Background()
	c := counter.NewMemory()
	calls := 0
	h := Dedup(c, time.Hour, slog.Default(), func(context.Context, Job) error {
		calls++
		if calls == 1 {
			return errors.New("provider down")
		}
		return nil
	})

	job := Job{ID: "job-1"}
	require.Error(t, h(ctx, job))
	require.NoError(t, h(ctx, job))
	require.NoError(t, h(ctx, job))
	assert.Equal(t, 2, calls)

	n, err := c.GetCounter(ctx, "job:job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
