// Package cache keeps denormalized per-customer snapshots in front of the
// store and refreshes them asynchronously after every mutation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/subscription"
)

// Snapshot is everything balance resolution needs for one customer,
// including its entities. Readers must treat it as immutable.
type Snapshot struct {
	Customer     *customer.Customer                  `json:"customer"`
	Products     []*subscription.CustomerProduct     `json:"products"`
	Entitlements []*entitlement.CustomerEntitlement `json:"entitlements"`
	LoadedAt     time.Time                           `json:"loaded_at"`
}

// Backend stores snapshots.
type Backend interface {
	Get(ctx context.Context, key string) (*Snapshot, bool, error)
	Set(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader reads a snapshot from the source of truth.
type Loader func(ctx context.Context, scope customer.Scope) (*Snapshot, error)

// ReadOptions tunes a read.
type ReadOptions struct {
	// SkipCache reads straight from the source of truth.
	SkipCache bool
}

// Key is the snapshot key of scope. Entity scopes share their customer's
// snapshot.
func Key(scope customer.Scope) string {
	return fmt.Sprintf("snapshot:%s:%s:%s", scope.OrgID, scope.Env, scope.CustomerID)
}

// Syncer coordinates reads, invalidations and refreshes. Each key carries a
// generation bumped on every invalidation; a refresh stores its result only
// if the generation it started under is still current, so a slow refresh
// never overwrites newer state.
type Syncer struct {
	backend Backend
	load    Loader
	ttl     time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	gens map[string]uint64

	group singleflight.Group
	wg    sync.WaitGroup
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithTTL sets how long snapshots live in the backend.
func WithTTL(ttl time.Duration) SyncerOption {
	return func(s *Syncer) { s.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer creates a Syncer.
func NewSyncer(backend Backend, load Loader, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		backend: backend,
		load:    load,
		ttl:     time.Minute,
		logger:  slog.Default(),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[key]
}

// Get returns the snapshot for scope, loading it on a miss. Concurrent
// misses for the same key share one load.
func (s *Syncer) Get(ctx context.Context, scope customer.Scope, opts ReadOptions) (*Snapshot, error) {
	if opts.SkipCache {
		return s.load(ctx, scope)
	}

	key := Key(scope)
	snap, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed, falling back to store", "key", key, "error", err)
	}
	if ok {
		return snap, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.refresh(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the cached snapshot of scope and bumps its generation.
func (s *Syncer) Invalidate(ctx context.Context, scope customer.Scope) {
	key := Key(scope)
	s.mu.Lock()
	s.gens[key]++
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// Refresh rebuilds the snapshot of scope in the background.
func (s *Syncer) Refresh(scope customer.Scope) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.refresh(context.Background(), scope); err != nil {
			s.logger.Error("cache refresh failed", "key", Key(scope), "error", err)
		}
	}()
}

// InvalidateAndRefresh is what every mutation calls after committing.
func (s *Syncer) InvalidateAndRefresh(ctx context.Context, scope customer.Scope) {
	s.Invalidate(ctx, scope)
	s.Refresh(scope)
}

// Wait blocks until background refreshes finish.
func (s *Syncer) Wait() { s.wg.Wait() }

func (s *Syncer) refresh(ctx context.Context, scope customer.Scope) (*Snapshot, error) {
	key := Key(scope)
	gen := s.generation(key)

	snap, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}

	// Held across the write so an invalidation either precedes the check or
	// follows the write.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[key] != gen {
		s.logger.Debug("discarding stale snapshot", "key", key, "generation", gen)
		return snap, nil
	}
	if err := s.backend.Set(ctx, key, snap, s.ttl); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return snap, nil
}
