package topup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/counter"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/provider/memory"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/types"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	credits  int
}

func (l *fakeLedger) Target(_ context.Context, _ customer.Scope, featureKey string) (*Target, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[featureKey]
	if !ok {
		return nil, ErrNotEligible
	}
	return &Target{Balance: b, PackPrice: types.USD(1000), BillingUnits: decimal.NewFromInt(100)}, nil
}

func (l *fakeLedger) Credit(_ context.Context, _ customer.Scope, featureKey string, qty decimal.Decimal, _ string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits++
	l.balances[featureKey] = l.balances[featureKey].Add(qty)
	return l.balances[featureKey], nil
}

func (l *fakeLedger) balance(featureKey string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[featureKey]
}

type fakeCustomers struct {
	mu  sync.Mutex
	cus *customer.Customer
}

func (f *fakeCustomers) GetCustomer(context.Context, id.CustomerID) (*customer.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.cus
	cp.AutoTopups = append([]customer.AutoTopupConfig(nil), f.cus.AutoTopups...)
	return &cp, nil
}

func (f *fakeCustomers) set(cfg customer.AutoTopupConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cus.SetAutoTopup(cfg)
}

type fixture struct {
	coord     *Coordinator
	ledger    *fakeLedger
	customers *fakeCustomers
	provider  *memory.Provider
	scope     customer.Scope
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cus := &customer.Customer{ID: id.NewCustomerID(), OrgID: "org", Env: "live", ProviderID: "cus_remote"}
	cus.SetAutoTopup(customer.AutoTopupConfig{FeatureKey: "credits", Enabled: true, Threshold: d(20), Quantity: d(100)})
	cus.SetAutoTopup(customer.AutoTopupConfig{FeatureKey: "messages", Enabled: true, Threshold: d(20), Quantity: d(100)})

	p := memory.New("whsec")
	p.SetPaymentMethod("cus_remote", "pm_card")

	f := &fixture{
		ledger:    &fakeLedger{balances: map[string]decimal.Decimal{"credits": d(10), "messages": d(10)}},
		customers: &fakeCustomers{cus: cus},
		provider:  p,
		scope:     customer.Scope{OrgID: "org", Env: "live", CustomerID: cus.ID},
	}
	f.coord = New(f.customers, f.ledger, p, lock.NewLocal(), counter.NewMemory())
	return f
}

func (f *fixture) trigger(t *testing.T, feature string) *Result {
	t.Helper()
	res, err := f.coord.Trigger(context.Background(), Request{Scope: f.scope, FeatureKey: feature})
	require.NoError(t, err)
	return res
}

func TestTriggerPurchasesBelowThreshold(t *testing.T) {
	f := newFixture(t)
	res := f.trigger(t, "credits")

	assert.Equal(t, OutcomePurchased, res.Outcome)
	assert.True(t, d(110).Equal(f.ledger.balance("credits")))
	assert.Equal(t, types.USD(1000), res.Charged)
	require.Len(t, f.provider.Charges(), 1)
	assert.Equal(t, "pm_card", f.provider.Charges()[0].PaymentMethodID)
}

func TestTriggerThresholdIsStrict(t *testing.T) {
	f := newFixture(t)
	f.ledger.balances["credits"] = d(20)
	assert.Equal(t, OutcomeAboveThreshold, f.trigger(t, "credits").Outcome)

	f.customers.set(customer.AutoTopupConfig{FeatureKey: "credits", Enabled: true, Threshold: d(0), Quantity: d(100)})
	f.ledger.balances["credits"] = d(0)
	assert.Equal(t, OutcomeAboveThreshold, f.trigger(t, "credits").Outcome)
	assert.Empty(t, f.provider.Charges())
}

func TestTriggerReadsCurrentConfig(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)

	f.customers.set(customer.AutoTopupConfig{FeatureKey: "credits", Enabled: false, Threshold: d(500), Quantity: d(100)})
	assert.Equal(t, OutcomeDisabled, f.trigger(t, "credits").Outcome)
	assert.Len(t, f.provider.Charges(), 1)
}

func TestTriggerRateLimit(t *testing.T) {
	f := newFixture(t)
	f.customers.set(customer.AutoTopupConfig{
		FeatureKey: "credits", Enabled: true, Threshold: d(1000), Quantity: d(100),
		MaxPurchases: &customer.MaxPurchases{Interval: types.IntervalMonth, Limit: 2},
	})

	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)
	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)
	assert.Equal(t, OutcomeRateLimited, f.trigger(t, "credits").Outcome)
	assert.True(t, d(210).Equal(f.ledger.balance("credits")))
}

func TestTriggerPaymentFailuresLeaveBalance(t *testing.T) {
	t.Run("no payment method", func(t *testing.T) {
		f := newFixture(t)
		f.provider = memory.New("whsec")
		f.coord = New(f.customers, f.ledger, f.provider, lock.NewLocal(), counter.NewMemory())
		assert.Equal(t, OutcomeNoPaymentMethod, f.trigger(t, "credits").Outcome)
		assert.True(t, d(10).Equal(f.ledger.balance("credits")))
	})

	t.Run("declined", func(t *testing.T) {
		f := newFixture(t)
		f.provider.Decline(true)
		assert.Equal(t, OutcomeDeclined, f.trigger(t, "credits").Outcome)
		assert.True(t, d(10).Equal(f.ledger.balance("credits")))
		assert.Zero(t, f.ledger.credits)
	})
}

func TestTriggerQuantityBelowThresholdRetriggers(t *testing.T) {
	f := newFixture(t)
	f.customers.set(customer.AutoTopupConfig{FeatureKey: "credits", Enabled: true, Threshold: d(500), Quantity: d(100)})

	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)
	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)
	assert.True(t, d(210).Equal(f.ledger.balance("credits")))
}

func TestTriggerNotEligible(t *testing.T) {
	f := newFixture(t)
	f.customers.set(customer.AutoTopupConfig{FeatureKey: "seats", Enabled: true, Threshold: d(5), Quantity: d(1)})
	assert.Equal(t, OutcomeNotEligible, f.trigger(t, "seats").Outcome)
}

func TestTriggerConcurrentSameFeatureFiresOnce(t *testing.T) {
	f := newFixture(t)
	hold := make(chan struct{})
	locker := lock.NewLocal()
	f.coord = New(f.customers, f.ledger, f.provider, locker, counter.NewMemory())

	// Occupy the outer lock as an in-flight trigger would.
	unlock, err := locker.TryLock(context.Background(), lockKey(f.scope, "credits"))
	require.NoError(t, err)
	go func() {
		<-hold
		unlock()
	}()

	assert.Equal(t, OutcomeLocked, f.trigger(t, "credits").Outcome)
	// Other features are not blocked.
	assert.Equal(t, OutcomePurchased, f.trigger(t, "messages").Outcome)
	close(hold)
}

func TestTriggerFeaturesIndependentUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for _, feature := range []string{"credits", "messages"} {
		wg.Add(1)
		go func(feature string) {
			defer wg.Done()
			res, err := f.coord.Trigger(context.Background(), Request{Scope: f.scope, FeatureKey: feature})
			assert.NoError(t, err)
			assert.Equal(t, OutcomePurchased, res.Outcome)
		}(feature)
	}
	wg.Wait()
	assert.True(t, d(110).Equal(f.ledger.balance("credits")))
	assert.True(t, d(110).Equal(f.ledger.balance("messages")))
}

func TestHandleJobDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.customers.set(customer.AutoTopupConfig{FeatureKey: "credits", Enabled: true, Threshold: d(1000), Quantity: d(100)})

	job, err := queue.NewJob(JobKind, Request{Scope: f.scope, FeatureKey: "credits"})
	require.NoError(t, err)
	h := queue.Dedup(counter.NewMemory(), time.Hour, f.coord.logger, f.coord.HandleJob)

	require.NoError(t, h(context.Background(), job))
	require.NoError(t, h(context.Background(), job))
	assert.Len(t, f.provider.Charges(), 1)
}

func TestCounterKey(t *testing.T) {
	scope := customer.Scope{OrgID: "org_1", Env: "live", CustomerID: id.MustParseWithPrefix("cus_01h455vb4pex5vsknk084sn02q", id.PrefixCustomer)}
	assert.Equal(t, "auto_topup_count:org_1:live:cus_01h455vb4pex5vsknk084sn02q:credits", CounterKey(scope, "credits"))
}

func TestTriggerRoutesProviderCalls(t *testing.T) {
	f := newFixture(t)
	var ops []string
	call := func(ctx context.Context, op string, fn func(ctx context.Context) error) error {
		ops = append(ops, op)
		return fn(ctx)
	}
	f.coord = New(f.customers, f.ledger, f.provider, lock.NewLocal(), counter.NewMemory(), WithProviderCall(call))

	assert.Equal(t, OutcomePurchased, f.trigger(t, "credits").Outcome)
	assert.Equal(t, []string{"default_payment_method", "charge"}, ops)
}

func TestTriggerChargeTimeoutLeavesBalance(t *testing.T) {
	f := newFixture(t)
	call := func(ctx context.Context, op string, fn func(ctx context.Context) error) error {
		if op == "charge" {
			return provider.ErrProviderUnavailable
		}
		return fn(ctx)
	}
	f.coord = New(f.customers, f.ledger, f.provider, lock.NewLocal(), counter.NewMemory(), WithProviderCall(call))

	_, err := f.coord.Trigger(context.Background(), Request{Scope: f.scope, FeatureKey: "credits"})
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.True(t, d(10).Equal(f.ledger.balance("credits")))
	assert.Empty(t, f.provider.Charges())
}
