package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/id"
)

type countingLoader struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (l *countingLoader) load(_ context.Context, scope customer.Scope) (*Snapshot, error) {
	n := l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return &Snapshot{
		Customer: &customer.Customer{ID: scope.CustomerID, Name: "v" + string(rune('0'+n))},
		LoadedAt: time.Now(),
	}, nil
}

func newSyncer(t *testing.T, l *countingLoader) (*Syncer, *LRU) {
	t.Helper()
	backend, err := NewLRU(16)
	require.NoError(t, err)
	return NewSyncer(backend, l.load, WithTTL(time.Minute)), backend
}

func testScope() customer.Scope {
	return customer.Scope{OrgID: "org", Env: "test", CustomerID: id.NewCustomerID()}
}

func TestSyncerServesFromCache(t *testing.T) {
	ctx := context.Background()
	l := &countingLoader{}
	s, _ := newSyncer(t, l)
	scope := testScope()

	first, err := s.Get(ctx, scope, ReadOptions{})
	require.NoError(t, err)
	second, err := s.Get(ctx, scope, ReadOptions{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), l.calls.Load())
}

func TestSyncerEntityScopeSharesCustomerSnapshot(t *testing.T) {
	scope := testScope()
	entity := scope
	entity.EntityID = id.NewEntityID()
	assert.Equal(t, Key(scope), Key(entity))
}

func TestSyncerSkipCache(t *testing.T) {
	ctx := context.Background()
	l := &countingLoader{}
	s, _ := newSyncer(t, l)
	scope := testScope()

	_, _ = s.Get(ctx, scope, ReadOptions{})
	_, err := s.Get(ctx, scope, ReadOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), l.calls.Load())
}

func TestSyncerInvalidateAndRefresh(t *testing.T) {
	ctx := context.Background()
	l := &countingLoader{}
	s, backend := newSyncer(t, l)
	scope := testScope()

	_, _ = s.Get(ctx, scope, ReadOptions{})
	s.InvalidateAndRefresh(ctx, scope)
	s.Wait()

	snap, ok, err := backend.Get(ctx, Key(scope))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", snap.Customer.Name)
}

func TestSyncerDiscardsStaleRefresh(t *testing.T) {
	ctx := context.Background()
	l := &countingLoader{gate: make(chan struct{})}
	s, backend := newSyncer(t, l)
	scope := testScope()

	// The refresh reads under generation 0, then a mutation invalidates.
	s.Refresh(scope)
	require.Eventually(t, func() bool { return l.calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Invalidate(ctx, scope)
	close(l.gate)
	s.Wait()

	_, ok, err := backend.Get(ctx, Key(scope))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncerCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	l := &countingLoader{gate: make(chan struct{})}
	s, _ := newSyncer(t, l)
	scope := testScope()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, scope, ReadOptions{})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return l.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	assert.Equal(t, int32(1), l.calls.Load())
}

func TestLRUExpiry(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLRU(4)
	require.NoError(t, err)
	now := time.Now()
	backend.now = func() time.Time { return now }

	require.NoError(t, backend.Set(ctx, "k", &Snapshot{}, time.Second))
	_, ok, _ := backend.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = backend.Get(ctx, "k")
	assert.False(t, ok)
}
