package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/provider/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func product(key string, status subscription.Status, startsAt time.Time, endsAt *time.Time) *subscription.CustomerProduct {
	return &subscription.CustomerProduct{
		ID:         id.NewCustomerProductID(),
		ProductKey: key,
		Status:     status,
		StartsAt:   startsAt,
		CanceledAt: endsAt,
		Quantity:   1,
		Prices: []subscription.CustomerPrice{{
			Model:           proration.ModelFlat,
			Amount:          types.USD(2000),
			Interval:        types.IntervalMonth,
			ProviderPriceID: "price_" + key,
			CorrelationID:   key,
		}},
		SubscriptionIDs: []string{"sub_1"},
	}
}

func at(t time.Time) *time.Time { return &t }

func priceIDs(items []provider.PhaseItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.PriceID)
	}
	return out
}

func TestBuildPhases(t *testing.T) {
	month := now.AddDate(0, 1, 0)
	later := now.AddDate(0, 2, 0)

	t.Run("single active product is one open phase", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{product("premium", subscription.StatusActive, now, nil)}, now)
		require.Len(t, phases, 1)
		assert.Equal(t, now, phases[0].StartDate)
		assert.Nil(t, phases[0].EndDate)
		assert.Equal(t, []string{"price_premium"}, priceIDs(phases[0].Items))
	})

	t.Run("downgrade at period end", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("premium", subscription.StatusCanceling, now, at(month)),
			product("pro", subscription.StatusScheduled, month, nil),
		}, now)
		require.Len(t, phases, 2)
		assert.Equal(t, month, *phases[0].EndDate)
		assert.Equal(t, []string{"price_premium"}, priceIDs(phases[0].Items))
		assert.Equal(t, month, phases[1].StartDate)
		assert.Nil(t, phases[1].EndDate)
		assert.Equal(t, []string{"price_pro"}, priceIDs(phases[1].Items))
	})

	t.Run("cancel ends with an empty phase", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("premium", subscription.StatusCanceling, now, at(month)),
		}, now)
		require.Len(t, phases, 2)
		assert.Empty(t, phases[1].Items)
		assert.Nil(t, phases[1].EndDate)
	})

	t.Run("add-on keeps running across the main switch", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("premium", subscription.StatusCanceling, now, at(month)),
			product("pro", subscription.StatusScheduled, month, nil),
			product("addon", subscription.StatusActive, now, nil),
		}, now)
		require.Len(t, phases, 2)
		assert.ElementsMatch(t, []string{"price_premium", "price_addon"}, priceIDs(phases[0].Items))
		assert.ElementsMatch(t, []string{"price_pro", "price_addon"}, priceIDs(phases[1].Items))
	})

	t.Run("sub-second transitions collapse", func(t *testing.T) {
		base := month.Truncate(time.Second)
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("pro", subscription.StatusCanceling, now, at(base.Add(100*time.Millisecond))),
			product("premium", subscription.StatusScheduled, base.Add(600*time.Millisecond), nil),
		}, now)
		require.Len(t, phases, 2)
		assert.Equal(t, base, phases[1].StartDate)
	})

	t.Run("expired products are ignored", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("old", subscription.StatusExpired, now.AddDate(0, -2, 0), nil),
			product("premium", subscription.StatusActive, now, nil),
		}, now)
		require.Len(t, phases, 1)
		assert.Equal(t, []string{"price_premium"}, priceIDs(phases[0].Items))
	})

	t.Run("staggered cancels", func(t *testing.T) {
		phases := BuildPhases([]*subscription.CustomerProduct{
			product("entity1", subscription.StatusCanceling, now, at(month)),
			product("entity2", subscription.StatusCanceling, now, at(later)),
		}, now)
		require.Len(t, phases, 3)
		assert.Len(t, phases[0].Items, 2)
		assert.Equal(t, []string{"price_entity2"}, priceIDs(phases[1].Items))
		assert.Empty(t, phases[2].Items)
	})

	t.Run("downgrade inside a trial keeps the trial end", func(t *testing.T) {
		trialEnd := now.AddDate(0, 0, 7)
		premium := product("premium", subscription.StatusCanceling, now, at(trialEnd))
		premium.TrialEndsAt = at(trialEnd)
		phases := BuildPhases([]*subscription.CustomerProduct{
			premium,
			product("pro", subscription.StatusScheduled, trialEnd, nil),
		}, now)
		require.Len(t, phases, 2)
		require.NotNil(t, phases[0].TrialEnd)
		assert.Equal(t, trialEnd, *phases[0].TrialEnd)
		assert.Nil(t, phases[1].TrialEnd)
	})

	t.Run("lapsed trial end is ignored", func(t *testing.T) {
		premium := product("premium", subscription.StatusActive, now.AddDate(0, -1, 0), nil)
		premium.TrialEndsAt = at(now.AddDate(0, 0, -3))
		phases := BuildPhases([]*subscription.CustomerProduct{premium}, now)
		require.Len(t, phases, 1)
		assert.Nil(t, phases[0].TrialEnd)
	})

	t.Run("nothing billed", func(t *testing.T) {
		assert.Nil(t, BuildPhases(nil, now))
	})
}

func TestBuildAction(t *testing.T) {
	month := now.AddDate(0, 1, 0)
	later := now.AddDate(0, 2, 0)
	live := &provider.Schedule{ID: "sched_1", Status: provider.ScheduleActive}

	single := BuildPhases([]*subscription.CustomerProduct{product("premium", subscription.StatusActive, now, nil)}, now)
	cancel := BuildPhases([]*subscription.CustomerProduct{product("premium", subscription.StatusCanceling, now, at(month))}, now)
	downgrade := BuildPhases([]*subscription.CustomerProduct{
		product("premium", subscription.StatusCanceling, now, at(month)),
		product("pro", subscription.StatusScheduled, month, nil),
	}, now)
	staggered := BuildPhases([]*subscription.CustomerProduct{
		product("premium", subscription.StatusCanceling, now, at(month)),
		product("addon", subscription.StatusCanceling, now, at(later)),
	}, now)

	tests := []struct {
		name   string
		phases []provider.SchedulePhase
		live   *provider.Schedule
		kind   ActionKind
		end    provider.EndBehavior
		count  int
	}{
		{"no phases", nil, nil, ActionNone, "", 0},
		{"no phases with schedule", nil, live, ActionRelease, "", 0},
		{"single", single, nil, ActionNone, "", 0},
		{"single with schedule", single, live, ActionRelease, "", 0},
		{"cancel", cancel, nil, ActionCancelAt, "", 0},
		{"downgrade", downgrade, nil, ActionCreate, provider.EndRelease, 2},
		{"downgrade with schedule", downgrade, live, ActionUpdate, provider.EndRelease, 2},
		{"staggered cancel", staggered, nil, ActionCreate, provider.EndCancel, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := BuildAction(tt.phases, tt.live)
			assert.Equal(t, tt.kind, a.Kind)
			assert.Equal(t, tt.end, a.EndBehavior)
			assert.Len(t, a.Phases, tt.count)
		})
	}

	t.Run("cancel releases a live schedule", func(t *testing.T) {
		a := BuildAction(cancel, live)
		assert.Equal(t, ActionCancelAt, a.Kind)
		assert.True(t, a.ReleaseExisting)
		assert.Equal(t, month, *a.CancelAt)
	})
}

func TestPhaseItemsMatchByKeyNotPosition(t *testing.T) {
	a := []provider.PhaseItem{{CorrelationID: "ety_1:seat", Quantity: 2}, {PriceID: "price_base", Quantity: 1}}
	b := []provider.PhaseItem{{PriceID: "price_base", Quantity: 1}, {CorrelationID: "ety_1:seat", Quantity: 2}}
	assert.True(t, samePhaseItems(a, b))

	b[1].Quantity = 3
	assert.False(t, samePhaseItems(a, b))
}

func TestSynchronizer(t *testing.T) {
	ctx := context.Background()
	month := now.AddDate(0, 1, 0)
	products := []*subscription.CustomerProduct{
		product("premium", subscription.StatusCanceling, now, at(month)),
		product("pro", subscription.StatusScheduled, month, nil),
	}

	t.Run("create then converge", func(t *testing.T) {
		p := memory.New("whsec")
		s := NewSynchronizer(p)

		res, err := s.Sync(ctx, "sub_1", products, now)
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, res.Action.Kind)
		assert.NotEmpty(t, res.ScheduleID)

		res, err = s.Sync(ctx, "sub_1", products, now)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, res.Action.Kind)
		assert.Equal(t, 1, p.ScheduleWrites())
	})

	t.Run("conflict is recomputed", func(t *testing.T) {
		p := memory.New("whsec")
		p.ConflictNext(1)
		s := NewSynchronizer(p)

		res, err := s.Sync(ctx, "sub_1", products, now)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
	})

	t.Run("persistent conflict fails", func(t *testing.T) {
		p := memory.New("whsec")
		p.ConflictNext(5)
		s := NewSynchronizer(p, WithMaxAttempts(2))

		_, err := s.Sync(ctx, "sub_1", products, now)
		assert.ErrorIs(t, err, provider.ErrScheduleConflict)
	})

	t.Run("exhausted schedule is released", func(t *testing.T) {
		p := memory.New("whsec")
		s := NewSynchronizer(p)
		_, err := s.Sync(ctx, "sub_1", products, now)
		require.NoError(t, err)

		uncanceled := []*subscription.CustomerProduct{product("premium", subscription.StatusActive, now, nil)}
		res, err := s.Sync(ctx, "sub_1", uncanceled, now)
		require.NoError(t, err)
		assert.Equal(t, ActionRelease, res.Action.Kind)

		live, err := p.GetSchedule(ctx, "sub_1")
		require.NoError(t, err)
		assert.Nil(t, live)
	})

	t.Run("products on other subscriptions are ignored", func(t *testing.T) {
		p := memory.New("whsec")
		other := product("other", subscription.StatusCanceling, now, at(month))
		other.SubscriptionIDs = []string{"sub_2"}
		s := NewSynchronizer(p)

		res, err := s.Sync(ctx, "sub_1", []*subscription.CustomerProduct{product("premium", subscription.StatusActive, now, nil), other}, now)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, res.Action.Kind)
	})
}
