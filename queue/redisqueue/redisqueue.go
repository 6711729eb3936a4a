// Package redisqueue implements queue.Queue on a Redis list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/queue"
)

// Compile-time interface check.
var _ queue.Queue = (*Queue)(nil)

type Queue struct {
	client  redis.UniversalClient
	key     string
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a queue backed by the list at key.
func New(client redis.UniversalClient, key string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, key: key, logger: logger, timeout: time.Second}
}

func (q *Queue) Publish(ctx context.Context, job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("tally/redis: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("tally/redis: publish job: %w", err)
	}
	return nil
}

func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := q.client.BRPop(ctx, q.timeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tally/redis: consume: %w", err)
		}
		// res is [key, value].
		var job queue.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			continue
		}
		if err := h(ctx, job); err != nil {
			q.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		}
	}
}

func (q *Queue) Close() error { return nil }
