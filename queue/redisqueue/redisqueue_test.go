package redisqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/queue"
)

func TestQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("TALLY_REDIS_ADDR")
	if addr == "" {
		t.Skip("TALLY_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, "tally:test:queue:"+uuid.NewString(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := queue.NewJob("auto_topup", map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, job))

	got := make(chan queue.Job, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, j queue.Job) error {
			got <- j
			return nil
		})
	}()

	select {
	case j := <-got:
		assert.Equal(t, job.ID, j.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job not delivered")
	}
}
