// Package queue delivers asynchronous jobs such as auto top-up triggers.
// Delivery is at-least-once; handlers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/tally/counter"
)

var (
	ErrFull   = errors.New("queue: full")
	ErrClosed = errors.New("queue: closed")
)

// Job is one unit of asynchronous work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob encodes payload into a job with a fresh id.
func NewJob(kind string, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: encode %s: %w", kind, err)
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: data, EnqueuedAt: time.Now().UTC()}, nil
}

// Handler processes a job.
type Handler func(ctx context.Context, job Job) error

// Queue publishes and consumes jobs.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	// Consume runs h for every job until ctx is done or the queue closes.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Dedup wraps h so a job id is handled at most once within ttl. The first
// delivery claims job:{id}; later deliveries see the claim and are
// dropped. A failed handler releases the claim so a redelivery runs again.
func Dedup(c counter.Counter, ttl time.Duration, logger *slog.Logger, h Handler) Handler {
	return func(ctx context.Context, job Job) error {
		key := "job:" + job.ID
		n, err := c.IncrementCounter(ctx, key, ttl)
		if err != nil {
			return err
		}
		if n > 1 {
			logger.Debug("dropping duplicate job", "job_id", job.ID, "kind", job.Kind, "deliveries", n)
			return nil
		}
		if err := h(ctx, job); err != nil {
			if rerr := c.ResetCounter(ctx, key); rerr != nil {
				logger.Error("job claim not released", "job_id", job.ID, "error", rerr)
			}
			return err
		}
		return nil
	}
}

// Memory is an in-process Queue on a buffered channel.
type Memory struct {
	jobs   chan Job
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Queue = (*Memory)(nil)

// NewMemory creates an in-process queue holding up to buffer jobs.
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{jobs: make(chan Job, buffer), logger: logger}
}

// Publish never blocks; a full buffer returns ErrFull.
func (m *Memory) Publish(_ context.Context, job Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-m.jobs:
			if !ok {
				return ErrClosed
			}
			if err := h(ctx, job); err != nil {
				m.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			}
		}
	}
}

// Drain handles every buffered job synchronously and returns.
func (m *Memory) Drain(ctx context.Context, h Handler) {
	for {
		select {
		case job := <-m.jobs:
			if err := h(ctx, job); err != nil {
				m.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			}
		default:
			return
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	return nil
}
