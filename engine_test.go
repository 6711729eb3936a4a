package tally_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	provmem "github.com/xraph/tally/provider/memory"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

const (
	testOrg = "org_test"
	testEnv = "test"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	engine   *tally.Engine
	store    *memory.Store
	provider *provmem.Provider
	clock    *clock
}

// start is the first instant of a 30-day month, so half a period is
// exactly 15 days.
var start = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...tally.Option) *harness {
	t.Helper()
	return newWrappedHarness(t, nil, opts...)
}

// newWrappedHarness runs the engine on wrap(store); h.store stays the
// underlying memory store.
func newWrappedHarness(t *testing.T, wrap func(*memory.Store) store.Store, opts ...tally.Option) *harness {
	t.Helper()
	clk := &clock{now: start}
	st := memory.New().WithClock(clk.Now)
	var engineStore store.Store = st
	if wrap != nil {
		engineStore = wrap(st)
	}
	prov := provmem.New("whsec_test")
	base := []tally.Option{
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tally.WithProvider(prov),
		tally.WithClock(clk.Now),
		tally.WithRenewalInterval(0),
	}
	e := tally.New(engineStore, append(base, opts...)...)
	return &harness{t: t, ctx: context.Background(), engine: e, store: st, provider: prov, clock: clk}
}

func (h *harness) feature(key string, typ feature.Type, usage feature.UsageType) *feature.Feature {
	h.t.Helper()
	f := &feature.Feature{Key: key, Name: key, Type: typ, UsageType: usage, OrgID: testOrg, Env: testEnv}
	require.NoError(h.t, h.engine.CreateFeature(h.ctx, f))
	return f
}

func (h *harness) product(p *product.Product) *product.Product {
	h.t.Helper()
	p.OrgID, p.Env = testOrg, testEnv
	if p.Name == "" {
		p.Name = p.Key
	}
	require.NoError(h.t, h.engine.CreateProduct(h.ctx, p))
	return p
}

// customer creates a customer with a card on file.
func (h *harness) customer() *customer.Customer {
	h.t.Helper()
	c := &customer.Customer{ExternalID: "ext_" + id.NewCustomerID().String(), Name: "Acme", OrgID: testOrg, Env: testEnv}
	require.NoError(h.t, h.engine.CreateCustomer(h.ctx, c))
	h.provider.SetPaymentMethod(c.ProviderID, "pm_card_visa")
	return c
}

func (h *harness) attach(req tally.AttachRequest) *tally.AttachResult {
	h.t.Helper()
	res, err := h.engine.Attach(h.ctx, req)
	require.NoError(h.t, err)
	return res
}

func (h *harness) balance(cusID id.CustomerID, key string) *entitlement.Balance {
	h.t.Helper()
	return h.entityBalance(cusID, id.EntityID{}, key)
}

func (h *harness) entityBalance(cusID id.CustomerID, entityID id.EntityID, key string) *entitlement.Balance {
	h.t.Helper()
	bal, err := h.engine.ResolveBalance(h.ctx, tally.BalanceRequest{CustomerID: cusID, EntityID: entityID, FeatureKey: key, SkipCache: true})
	require.NoError(h.t, err)
	return bal
}

func (h *harness) track(cusID id.CustomerID, key string, value int64) (*tally.TrackResult, error) {
	return h.engine.Track(h.ctx, tally.TrackRequest{CustomerID: cusID, FeatureKey: key, Value: decimal.NewFromInt(value)})
}

func (h *harness) products(cusID id.CustomerID) []*subscription.CustomerProduct {
	h.t.Helper()
	cps, err := h.store.ListCustomerProducts(h.ctx, cusID, subscription.ListOpts{})
	require.NoError(h.t, err)
	return cps
}

func (h *harness) invoices(cusID id.CustomerID, reason invoice.Reason) []*invoice.Invoice {
	h.t.Helper()
	all, err := h.store.ListInvoices(h.ctx, cusID, invoice.ListOpts{})
	require.NoError(h.t, err)
	var out []*invoice.Invoice
	for _, inv := range all {
		if inv.Reason == reason {
			out = append(out, inv)
		}
	}
	return out
}

func (h *harness) renew() *tally.RenewalReport {
	h.t.Helper()
	report, err := h.engine.ProcessRenewals(h.ctx)
	require.NoError(h.t, err)
	return report
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ──────────────────────────────────────────────────
// Catalog fixtures
// ──────────────────────────────────────────────────

func freePlan() *product.Product {
	return &product.Product{
		Key:       "free",
		Group:     "plans",
		Currency:  "usd",
		IsDefault: true,
		Items: []product.Item{
			product.NewFeatureItem(product.FeatureItem{
				FeatureKey:    "messages",
				Model:         product.ModelFree,
				Included:      decimal.NewFromInt(100),
				ResetInterval: types.IntervalMonth,
			}),
		},
	}
}

func proPlan() *product.Product {
	return &product.Product{
		Key:      "pro",
		Group:    "plans",
		Currency: "usd",
		Items: []product.Item{
			product.NewPriceItem(types.USD(2000), types.IntervalMonth),
			product.NewFeatureItem(product.FeatureItem{
				FeatureKey:      "messages",
				Model:           product.ModelConsumable,
				Included:        decimal.NewFromInt(500),
				Price:           types.USD(100),
				BillingInterval: types.IntervalMonth,
				ResetInterval:   types.IntervalMonth,
			}),
		},
	}
}

func premiumPlan() *product.Product {
	return &product.Product{
		Key:      "premium",
		Group:    "plans",
		Currency: "usd",
		Items: []product.Item{
			product.NewPriceItem(types.USD(5000), types.IntervalMonth),
			product.NewFeatureItem(product.FeatureItem{
				FeatureKey:      "messages",
				Model:           product.ModelConsumable,
				Included:        decimal.NewFromInt(2000),
				Price:           types.USD(50),
				BillingInterval: types.IntervalMonth,
				ResetInterval:   types.IntervalMonth,
			}),
		},
	}
}

// plans seeds the messages feature and the free, pro and premium plans.
func (h *harness) plans() {
	h.t.Helper()
	h.feature("messages", feature.TypeMetered, feature.UsageSingle)
	h.product(freePlan())
	h.product(proPlan())
	h.product(premiumPlan())
}
