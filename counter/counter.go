// Package counter provides keyed counters with a TTL, used for rolling
// rate limits and delivery de-duplication.
package counter

import (
	"context"
	"sync"
	"time"
)

// Counter increments keyed counters that expire ttl after their first
// increment. A counter is cleared by expiry or by ResetCounter.
type Counter interface {
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	// ResetCounter removes the counter. Resetting a missing key is not an
	// error.
	ResetCounter(ctx context.Context, key string) error
}

type entry struct {
	value     int64
	expiresAt time.Time
}

// Memory is an in-process Counter.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Compile-time interface check.
var _ Counter = (*Memory)(nil)

// NewMemory creates an in-process counter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry), now: time.Now}
}

// WithClock replaces the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) IncrementCounter(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = &entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (m *Memory) GetCounter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		delete(m.entries, key)
		return 0, nil
	}
	return e.value, nil
}

func (m *Memory) ResetCounter(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
