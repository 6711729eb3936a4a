package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type lruEntry struct {
	snap     *Snapshot
	storedAt time.Time
	ttl      time.Duration
}

// LRU is an in-process Backend bounded by size.
type LRU struct {
	cache *lru.Cache[string, lruEntry]
	now   func() time.Time
}

// Compile-time interface check.
var _ Backend = (*LRU)(nil)

// NewLRU creates an in-process backend holding at most size snapshots.
func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{cache: c, now: time.Now}, nil
}

func (l *LRU) Get(_ context.Context, key string) (*Snapshot, bool, error) {
	e, ok := l.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.ttl > 0 && l.now().Sub(e.storedAt) >= e.ttl {
		l.cache.Remove(key)
		return nil, false, nil
	}
	return e.snap, true, nil
}

func (l *LRU) Set(_ context.Context, key string, snap *Snapshot, ttl time.Duration) error {
	l.cache.Add(key, lruEntry{snap: snap, storedAt: l.now(), ttl: ttl})
	return nil
}

func (l *LRU) Delete(_ context.Context, key string) error {
	l.cache.Remove(key)
	return nil
}
