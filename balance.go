package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/cache"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
)

// BalanceRequest addresses one feature balance.
type BalanceRequest struct {
	CustomerID id.CustomerID
	EntityID   id.EntityID
	FeatureKey string
	// SkipCache reads straight from the store.
	SkipCache bool
}

// CheckRequest asks whether RequiredBalance units of a feature may be used.
// A zero RequiredBalance means one unit.
type CheckRequest struct {
	CustomerID      id.CustomerID
	EntityID        id.EntityID
	FeatureKey      string
	RequiredBalance decimal.Decimal
	SkipCache       bool
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Allowed bool                `json:"allowed"`
	Balance entitlement.Balance `json:"balance"`
}

// TrackRequest records usage of a feature. A zero Value counts as one unit;
// a negative Value refunds usage.
type TrackRequest struct {
	CustomerID     id.CustomerID
	EntityID       id.EntityID
	FeatureKey     string
	Value          decimal.Decimal
	Properties     map[string]any
	IdempotencyKey string
	Timestamp      time.Time
	// AllowOverage lets usage spill past zero on entitlements that do not
	// permit overage themselves.
	AllowOverage bool
	Metadata     map[string]string
}

// TrackResult is the outcome of Track.
type TrackResult struct {
	Event   *meter.Event        `json:"event"`
	Balance entitlement.Balance `json:"balance"`
	// Duplicate is set when the idempotency key was already recorded; no
	// balance changed.
	Duplicate   bool `json:"duplicate"`
	TopupQueued bool `json:"topup_queued"`
}

// OverrideRequest sets the net balance of a feature.
type OverrideRequest struct {
	CustomerID id.CustomerID
	EntityID   id.EntityID
	FeatureKey string
	Balance    decimal.Decimal
}

// ──────────────────────────────────────────────────
// Balance resolution
// ──────────────────────────────────────────────────

// view is the part of a snapshot visible from one scope: entity scopes see
// their own products plus customer-level ones, customer scopes only the
// customer-level ones.
type view struct {
	products     []*subscription.CustomerProduct
	entitlements []*entitlement.CustomerEntitlement
	attachments  map[id.CustomerProductID]entitlement.Attachment
}

func scopedView(scope customer.Scope, snap *cache.Snapshot) view {
	visible := func(entityID id.EntityID) bool {
		return entityID.IsNil() || entityID == scope.EntityID
	}
	v := view{attachments: make(map[id.CustomerProductID]entitlement.Attachment)}
	for _, cp := range snap.Products {
		if !visible(cp.EntityID) {
			continue
		}
		v.products = append(v.products, cp)
		v.attachments[cp.ID] = entitlement.Attachment{
			AttachedAt: cp.CreatedAt,
			Relevant:   cp.Status.IsRelevant(),
		}
	}
	for _, ce := range snap.Entitlements {
		if visible(ce.EntityID) {
			v.entitlements = append(v.entitlements, ce)
		}
	}
	return v
}

func (v view) product(cpID id.CustomerProductID) *subscription.CustomerProduct {
	for _, cp := range v.products {
		if cp.ID == cpID {
			return cp
		}
	}
	return nil
}

func (e *Engine) resolveOptions() entitlement.ResolveOptions {
	return entitlement.ResolveOptions{ReverseOrder: e.reverseOrder}
}

// slots lists the entitlements usage of featureKey draws from: its own in
// consumption order, then every credit system that prices it.
func (e *Engine) slots(featureKey string, features []*feature.Feature, v view) []meter.Slot {
	var out []meter.Slot
	for _, f := range feature.Related(featureKey, features) {
		cost := decimal.Zero
		if f.Key != featureKey {
			cost, _ = f.CreditCostFor(featureKey)
		}
		for _, ce := range entitlement.Ordered(f.Key, v.entitlements, v.attachments, e.resolveOptions()) {
			out = append(out, meter.Slot{Entitlement: ce, Cost: cost})
		}
	}
	return out
}

// balance resolves featureKey. A metered feature whose own balance is
// exhausted is still allowed while a credit system pricing it has credits.
func (e *Engine) balance(featureKey string, features []*feature.Feature, v view) entitlement.Balance {
	bal := entitlement.Resolve(featureKey, v.entitlements, v.attachments, e.resolveOptions())
	if bal.Allowed {
		return bal
	}
	for _, f := range feature.Related(featureKey, features) {
		if f.Key == featureKey {
			continue
		}
		cost, _ := f.CreditCostFor(featureKey)
		credits := entitlement.Resolve(f.Key, v.entitlements, v.attachments, e.resolveOptions())
		if credits.Unlimited || credits.CurrentBalance.GreaterThanOrEqual(cost) {
			bal.Allowed = true
			break
		}
	}
	return bal
}

func (e *Engine) loadSnapshot(ctx context.Context, scope customer.Scope) (*cache.Snapshot, error) {
	cus, err := e.store.GetCustomer(ctx, scope.CustomerID)
	if err != nil {
		return nil, err
	}
	products, err := e.store.ListCustomerProducts(ctx, scope.CustomerID, subscription.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("tally: load products: %w", err)
	}
	ents, err := e.store.ListEntitlements(ctx, scope.CustomerID, "")
	if err != nil {
		return nil, fmt.Errorf("tally: load entitlements: %w", err)
	}
	return &cache.Snapshot{
		Customer:     cus,
		Products:     products,
		Entitlements: ents,
		LoadedAt:     e.now(),
	}, nil
}

// lookupFeature returns the feature and the org's full feature list.
func (e *Engine) lookupFeature(ctx context.Context, scope customer.Scope, key string) (*feature.Feature, []*feature.Feature, error) {
	features, err := e.store.ListFeatures(ctx, scope.OrgID, scope.Env)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range features {
		if f.Key == key {
			return f, features, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, key)
}

// ResolveBalance returns the aggregated balance of a feature for a customer
// or entity.
func (e *Engine) ResolveBalance(ctx context.Context, req BalanceRequest) (*entitlement.Balance, error) {
	_, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	_, features, err := e.lookupFeature(ctx, scope, req.FeatureKey)
	if err != nil {
		return nil, err
	}
	snap, err := e.cache.Get(ctx, scope, cache.ReadOptions{SkipCache: req.SkipCache})
	if err != nil {
		return nil, err
	}
	bal := e.balance(req.FeatureKey, features, scopedView(scope, snap))
	return &bal, nil
}

// Check decides whether the requested usage would be allowed without
// changing any balance.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	_, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	feat, features, err := e.lookupFeature(ctx, scope, req.FeatureKey)
	if err != nil {
		return nil, err
	}
	snap, err := e.cache.Get(ctx, scope, cache.ReadOptions{SkipCache: req.SkipCache})
	if err != nil {
		return nil, err
	}
	v := scopedView(scope, snap)
	bal := e.balance(req.FeatureKey, features, v)

	allowed := bal.Allowed
	if feat.Type != feature.TypeBoolean && !feat.Archived {
		required := req.RequiredBalance
		if required.IsZero() {
			required = decimal.NewFromInt(1)
		}
		_, planErr := meter.PlanDeduction(e.slots(req.FeatureKey, features, v), required, meter.OverageReject)
		allowed = planErr == nil
	}
	if feat.Archived {
		allowed = false
	}

	e.plugins.EmitBalanceChecked(ctx, scope, bal, allowed)
	return &CheckResult{Allowed: allowed, Balance: bal}, nil
}

// ──────────────────────────────────────────────────
// Usage tracking
// ──────────────────────────────────────────────────

// Track records usage and deducts it from the scope's balances under the
// balance lock. Insufficient balance rejects the event and changes nothing.
func (e *Engine) Track(ctx context.Context, req TrackRequest) (*TrackResult, error) {
	cus, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	feat, features, err := e.lookupFeature(ctx, scope, req.FeatureKey)
	if err != nil {
		return nil, err
	}
	switch {
	case feat.Archived:
		return nil, fmt.Errorf("%w: %s", ErrFeatureArchived, feat.Key)
	case feat.Type == feature.TypeBoolean:
		return nil, invalid("feature_key", fmt.Errorf("boolean feature %q cannot be tracked", feat.Key))
	}

	amount, err := usageAmount(feat, req)
	if err != nil {
		return nil, invalid("value", err)
	}

	if req.IdempotencyKey != "" {
		prev, err := e.store.GetUsageByIdempotencyKey(ctx, scope.CustomerID, req.IdempotencyKey)
		if err == nil {
			return e.duplicate(ctx, scope, features, prev)
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	related := feature.Related(req.FeatureKey, features)
	keys := make([]string, 0, len(related))
	for _, f := range related {
		keys = append(keys, f.Key)
	}

	unlock, err := e.lockFeatures(ctx, scope, keys)
	if err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			unlock()
		}
	}
	defer release()

	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	v := scopedView(scope, snap)
	slots := e.slots(req.FeatureKey, features, v)

	behavior := meter.OverageReject
	if req.AllowOverage {
		behavior = meter.OverageAllow
	}
	plan, err := meter.PlanDeduction(slots, amount, behavior)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrNoEntitlement) {
			e.plugins.EmitQuotaExceeded(ctx, scope, req.FeatureKey, amount)
		}
		return nil, err
	}
	if err := meter.Apply(slots, plan); err != nil {
		return nil, err
	}
	touched := meter.Touched(slots, plan)
	seats, err := e.repriceSeats(touched, v, e.now())
	if err != nil {
		return nil, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	event := &meter.Event{
		ID:             id.NewUsageEventID(),
		OrgID:          scope.OrgID,
		Env:            scope.Env,
		CustomerID:     scope.CustomerID,
		EntityID:       scope.EntityID,
		FeatureKey:     req.FeatureKey,
		Value:          amount,
		Properties:     req.Properties,
		Timestamp:      ts,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	// The event is recorded before balances move so a concurrent duplicate
	// never deducts twice.
	if err := e.store.RecordUsage(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			release()
			prev, getErr := e.store.GetUsageByIdempotencyKey(ctx, scope.CustomerID, req.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			return e.duplicate(ctx, scope, features, prev)
		}
		return nil, err
	}

	if len(touched) > 0 {
		for _, ce := range touched {
			ce.TouchAt(e.now())
		}
		if err := e.store.UpdateEntitlements(ctx, touched); err != nil {
			// Drop the event too so a retry under the same key deducts.
			e.cache.Invalidate(ctx, scope)
			if derr := e.store.DeleteUsage(ctx, event.ID); derr != nil {
				e.logger.Error("usage event kept without its deduction",
					"event_id", event.ID.String(),
					"customer_id", scope.CustomerID.String(),
					"error", derr,
				)
			}
			return nil, fmt.Errorf("tally: persist balances: %w", err)
		}
	}
	seats = e.saveSeats(ctx, seats, e.now())
	release()

	e.cache.InvalidateAndRefresh(ctx, scope)
	e.settleSeats(ctx, seats)
	bal := e.balance(req.FeatureKey, features, v)

	result := &TrackResult{Event: event, Balance: bal}
	if amount.IsPositive() {
		result.TopupQueued = e.queueTopups(ctx, cus, scope, touched, features, v)
		e.forwardMeterEvents(ctx, cus, event, slots, plan, v)
	}

	e.logger.Debug("usage tracked",
		"customer_id", scope.CustomerID.String(),
		"feature", req.FeatureKey,
		"value", amount.String(),
		"balance", bal.NetBalance.String(),
	)
	e.plugins.EmitUsageTracked(ctx, event, bal)
	return result, nil
}

func usageAmount(feat *feature.Feature, req TrackRequest) (decimal.Decimal, error) {
	explicit := req.Value
	if explicit.IsZero() {
		explicit = decimal.NewFromInt(1)
	}
	if explicit.IsNegative() {
		return explicit, nil
	}
	amount, err := feat.Aggregation.Value(explicit, req.Properties)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: aggregated value %s", ErrInvalidQuantity, amount)
	}
	return amount, nil
}

func (e *Engine) duplicate(ctx context.Context, scope customer.Scope, features []*feature.Feature, prev *meter.Event) (*TrackResult, error) {
	snap, err := e.cache.Get(ctx, scope, cache.ReadOptions{SkipCache: true})
	if err != nil {
		return nil, err
	}
	bal := e.balance(prev.FeatureKey, features, scopedView(scope, snap))
	e.logger.Debug("duplicate usage event", "customer_id", scope.CustomerID.String(), "idempotency_key", prev.IdempotencyKey)
	return &TrackResult{Event: prev, Balance: bal, Duplicate: true}, nil
}

// queueTopups publishes a top-up job for every touched feature whose
// enabled auto top-up threshold was crossed. The coordinator re-checks
// everything when the job runs.
func (e *Engine) queueTopups(ctx context.Context, cus *customer.Customer, scope customer.Scope, touched []*entitlement.CustomerEntitlement, features []*feature.Feature, v view) bool {
	if e.topups == nil {
		return false
	}
	queued := false
	seen := make(map[string]bool)
	for _, ce := range touched {
		if seen[ce.FeatureKey] {
			continue
		}
		seen[ce.FeatureKey] = true
		cfg, ok := cus.AutoTopup(ce.FeatureKey)
		if !ok || !cfg.Enabled {
			continue
		}
		bal := entitlement.Resolve(ce.FeatureKey, v.entitlements, v.attachments, e.resolveOptions())
		if !bal.NetBalance.LessThan(cfg.Threshold) {
			continue
		}
		job, err := queue.NewJob(topup.JobKind, topup.Request{Scope: scope, FeatureKey: ce.FeatureKey})
		if err == nil {
			err = e.queue.Publish(ctx, job)
		}
		if err != nil {
			e.logger.Warn("auto top-up not queued", "customer_id", scope.CustomerID.String(), "feature", ce.FeatureKey, "error", err)
			continue
		}
		queued = true
	}
	return queued
}

// forwardMeterEvents reports usage drawn from consumable entitlements so the
// provider can bill it in arrear. Failures are logged, never returned.
func (e *Engine) forwardMeterEvents(ctx context.Context, cus *customer.Customer, event *meter.Event, slots []meter.Slot, plan meter.Plan, v view) {
	if e.provider == nil || cus.ProviderID == "" {
		return
	}
	for _, st := range plan.Steps {
		ce := slots[st.Index].Entitlement
		if ce.Model != product.ModelConsumable {
			continue
		}
		cp := v.product(ce.CustomerProductID)
		if cp == nil || len(cp.SubscriptionIDs) == 0 {
			continue
		}
		me := provider.MeterEvent{
			CustomerID:     cus.ProviderID,
			EventName:      ce.FeatureKey,
			Value:          st.Amount.Ceil().IntPart(),
			Timestamp:      event.Timestamp,
			IdempotencyKey: event.ID.String() + ":" + ce.ID.String(),
		}
		err := e.callProvider(ctx, "meter_event", func(ctx context.Context) error {
			return e.provider.CreateMeterEvent(ctx, me)
		})
		if err != nil {
			e.logger.Warn("meter event not forwarded", "event_id", event.ID.String(), "feature", ce.FeatureKey, "error", err)
		}
	}
}

// ──────────────────────────────────────────────────
// Overrides and auto top-up settings
// ──────────────────────────────────────────────────

// OverrideBalance sets the net balance of a feature. The difference lands
// on the first entitlement in consumption order; granted and purchased
// amounts never change.
func (e *Engine) OverrideBalance(ctx context.Context, req OverrideRequest) (*entitlement.Balance, error) {
	_, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	_, features, err := e.lookupFeature(ctx, scope, req.FeatureKey)
	if err != nil {
		return nil, err
	}

	unlock, err := e.lockFeatures(ctx, scope, []string{req.FeatureKey})
	if err != nil {
		return nil, err
	}
	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		unlock()
		return nil, err
	}
	v := scopedView(scope, snap)
	ordered := entitlement.Ordered(req.FeatureKey, v.entitlements, v.attachments, e.resolveOptions())
	if len(ordered) == 0 {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoEntitlement, req.FeatureKey)
	}
	current := entitlement.Resolve(req.FeatureKey, v.entitlements, v.attachments, e.resolveOptions())
	if current.Unlimited {
		unlock()
		return &current, nil
	}
	first := ordered[0]
	entitlement.SetBalance(first, first.Balance.Add(req.Balance.Sub(current.NetBalance)))
	first.TouchAt(e.now())
	seats, err := e.repriceSeats([]*entitlement.CustomerEntitlement{first}, v, e.now())
	if err != nil {
		unlock()
		return nil, err
	}
	err = e.store.UpdateEntitlements(ctx, []*entitlement.CustomerEntitlement{first})
	if err == nil {
		seats = e.saveSeats(ctx, seats, e.now())
	}
	unlock()
	if err != nil {
		return nil, err
	}

	e.cache.InvalidateAndRefresh(ctx, scope)
	e.settleSeats(ctx, seats)
	bal := e.balance(req.FeatureKey, features, v)
	e.logger.Info("balance overridden",
		"customer_id", scope.CustomerID.String(),
		"feature", req.FeatureKey,
		"balance", req.Balance.String(),
	)
	e.plugins.EmitBalanceOverridden(ctx, scope, bal)
	return &bal, nil
}

// SetAutoTopup inserts or replaces a customer's auto top-up configuration
// for one feature.
func (e *Engine) SetAutoTopup(ctx context.Context, customerID id.CustomerID, cfg customer.AutoTopupConfig) (*customer.Customer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, invalid("auto_topup", err)
	}
	cus, err := e.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	scope := customer.Scope{OrgID: cus.OrgID, Env: cus.Env, CustomerID: cus.ID}
	if _, _, err := e.lookupFeature(ctx, scope, cfg.FeatureKey); err != nil {
		return nil, err
	}

	cus.SetAutoTopup(cfg)
	cus.TouchAt(e.now())
	if err := e.store.UpdateCustomer(ctx, cus); err != nil {
		return nil, err
	}
	e.cache.InvalidateAndRefresh(ctx, scope)
	return cus, nil
}

// ──────────────────────────────────────────────────
// Auto top-ups
// ──────────────────────────────────────────────────

// Topup runs an auto top-up check synchronously. Track queues the same work
// through the job queue.
func (e *Engine) Topup(ctx context.Context, req topup.Request) (*topup.Result, error) {
	if e.topups == nil {
		return nil, ErrProviderNotConfigured
	}
	res, err := e.topups.Trigger(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Outcome == topup.OutcomePurchased {
		e.recordTopupInvoice(ctx, req, res)
		e.cache.InvalidateAndRefresh(ctx, req.Scope)
	}
	e.plugins.EmitTopupCompleted(ctx, req, res)
	return res, nil
}

// HandleJob is the queue handler the engine consumes jobs with.
func (e *Engine) HandleJob(ctx context.Context, job queue.Job) error {
	req, ok, err := topup.DecodeJob(job)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("unknown job kind", "job_id", job.ID, "kind", job.Kind)
		return nil
	}
	_, err = e.Topup(ctx, req)
	return err
}

func (e *Engine) recordTopupInvoice(ctx context.Context, req topup.Request, res *topup.Result) {
	now := e.now()
	inv := invoice.New(res.Charged.Currency, invoice.ReasonTopup, []invoice.LineItem{{
		FeatureKey:  req.FeatureKey,
		Description: fmt.Sprintf("Auto top-up: %s %s", res.Credited, req.FeatureKey),
		Quantity:    res.Credited.Ceil().IntPart(),
		Amount:      res.Charged,
		Type:        invoice.LineItemTopup,
		Metadata:    map[string]string{"topup_id": res.TopupID.String()},
	}})
	inv.CustomerID = req.Scope.CustomerID
	inv.EntityID = req.Scope.EntityID
	inv.OrgID = req.Scope.OrgID
	inv.Env = req.Scope.Env
	inv.Status = invoice.StatusPaid
	inv.PaidAt = &now
	inv.PeriodStart, inv.PeriodEnd = now, now
	if err := e.store.CreateInvoice(ctx, inv); err != nil {
		e.logger.Warn("top-up invoice not recorded", "topup_id", res.TopupID.String(), "error", err)
		return
	}
	e.plugins.EmitInvoicePaid(ctx, inv)
}

// topupLedger is the balance side of the auto top-up coordinator.
type topupLedger struct{ e *Engine }

// oneOffPrepaid returns the first one-off prepaid entitlement of featureKey
// in consumption order, with its customer product.
func (l topupLedger) oneOffPrepaid(v view, featureKey string) (*entitlement.CustomerEntitlement, *subscription.CustomerProduct) {
	for _, ce := range entitlement.Ordered(featureKey, v.entitlements, v.attachments, l.e.resolveOptions()) {
		if !ce.IsOneOffPrepaid() {
			continue
		}
		if cp := v.product(ce.CustomerProductID); cp != nil {
			return ce, cp
		}
	}
	return nil, nil
}

func (l topupLedger) Target(ctx context.Context, scope customer.Scope, featureKey string) (*topup.Target, error) {
	snap, err := l.e.loadSnapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	v := scopedView(scope, snap)
	ce, cp := l.oneOffPrepaid(v, featureKey)
	if ce == nil {
		return nil, topup.ErrNotEligible
	}
	item, ok := cp.Item(ce.ItemID)
	if !ok || item.Feature == nil {
		return nil, topup.ErrNotEligible
	}
	bal := entitlement.Resolve(featureKey, v.entitlements, v.attachments, l.e.resolveOptions())
	return &topup.Target{
		Balance:      bal.NetBalance,
		PackPrice:    item.Feature.Price,
		BillingUnits: item.Feature.BillingUnits,
	}, nil
}

func (l topupLedger) Credit(ctx context.Context, scope customer.Scope, featureKey string, quantity decimal.Decimal, ref string) (decimal.Decimal, error) {
	unlock, err := l.e.lockFeatures(ctx, scope, []string{featureKey})
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()

	snap, err := l.e.loadSnapshot(ctx, scope)
	if err != nil {
		return decimal.Zero, err
	}
	v := scopedView(scope, snap)
	ce, _ := l.oneOffPrepaid(v, featureKey)
	if ce == nil {
		return decimal.Zero, topup.ErrNotEligible
	}
	entitlement.Credit(ce, quantity)
	ce.TouchAt(l.e.now())
	if err := l.e.store.UpdateEntitlements(ctx, []*entitlement.CustomerEntitlement{ce}); err != nil {
		return decimal.Zero, err
	}
	l.e.logger.Debug("balance credited", "customer_id", scope.CustomerID.String(), "feature", featureKey, "quantity", quantity.String(), "ref", ref)
	return entitlement.Resolve(featureKey, v.entitlements, v.attachments, l.e.resolveOptions()).NetBalance, nil
}

// localInvoice builds the local record of a provider invoice.
func localInvoice(scope customer.Scope, currency string, reason invoice.Reason, lines []invoice.LineItem) *invoice.Invoice {
	if currency == "" {
		currency = "usd"
	}
	inv := invoice.New(currency, reason, lines)
	inv.CustomerID = scope.CustomerID
	inv.EntityID = scope.EntityID
	inv.OrgID = scope.OrgID
	inv.Env = scope.Env
	return inv
}

// issueInvoice sends inv to the provider with auto-pay and records the
// result locally. Zero invoices are recorded as paid without a provider call.
func (e *Engine) issueInvoice(ctx context.Context, cus *customer.Customer, inv *invoice.Invoice, subscriptionID string) error {
	now := e.now()
	if len(inv.LineItems) == 0 {
		return nil
	}
	if !inv.Total.IsZero() {
		lines := make([]provider.InvoiceLine, 0, len(inv.LineItems))
		for _, l := range inv.LineItems {
			lines = append(lines, provider.InvoiceLine{
				Description: l.Description,
				Amount:      l.Amount,
				Quantity:    l.Quantity,
			})
		}
		var remote *provider.Invoice
		err := e.callProvider(ctx, "create_invoice", func(ctx context.Context) error {
			var err error
			remote, err = e.provider.CreateInvoice(ctx, provider.InvoiceParams{
				CustomerID:     cus.ProviderID,
				SubscriptionID: subscriptionID,
				Currency:       inv.Currency,
				Lines:          lines,
				AutoPay:        true,
				Metadata:       map[string]string{"invoice_id": inv.ID.String(), "reason": string(inv.Reason)},
			})
			return err
		})
		if err != nil {
			return err
		}
		inv.ProviderID = remote.ID
		inv.Status = invoice.StatusOpen
		if remote.Status == provider.InvoicePaid {
			inv.Status = invoice.StatusPaid
			inv.PaidAt = &now
		}
	} else {
		inv.Status = invoice.StatusPaid
		inv.PaidAt = &now
	}
	inv.SubscriptionID = subscriptionID
	return nil
}

// voidRemote voids a provider invoice after the write it paid for failed.
func (e *Engine) voidRemote(ctx context.Context, inv *invoice.Invoice, reason string) {
	if inv == nil || inv.ProviderID == "" {
		return
	}
	err := e.callProvider(ctx, "void_invoice", func(ctx context.Context) error {
		return e.provider.VoidInvoice(ctx, inv.ProviderID)
	})
	if err != nil {
		e.logger.Error("invoice not voided after failed write", "invoice_id", inv.ID.String(), "provider_id", inv.ProviderID, "error", err)
		return
	}
	now := e.now()
	inv.Status = invoice.StatusVoided
	inv.VoidedAt = &now
	inv.VoidReason = reason
	e.plugins.EmitInvoiceVoided(ctx, inv, reason)
}

// saveInvoice persists a local invoice and emits its hooks.
func (e *Engine) saveInvoice(ctx context.Context, inv *invoice.Invoice) {
	if inv == nil || len(inv.LineItems) == 0 {
		return
	}
	if err := e.store.CreateInvoice(ctx, inv); err != nil {
		e.logger.Error("invoice not recorded", "invoice_id", inv.ID.String(), "provider_id", inv.ProviderID, "error", err)
		return
	}
	e.plugins.EmitInvoiceGenerated(ctx, inv)
	if inv.Status == invoice.StatusPaid {
		e.plugins.EmitInvoicePaid(ctx, inv)
	}
}

