package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/schedule"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// AttachRequest attaches a product to a customer or one of its entities.
type AttachRequest struct {
	CustomerID id.CustomerID
	EntityID   id.EntityID
	ProductKey string
	// Options sets purchased quantities of prepaid features.
	Options []subscription.Option
	// Quantity multiplies flat prices. Zero means one.
	Quantity   int64
	CouponCode string
	Metadata   map[string]string
}

// AttachResult reports a committed attach.
type AttachResult struct {
	Kind            subscription.AttachKind        `json:"kind"`
	CustomerProduct *subscription.CustomerProduct `json:"customer_product"`
	// Previous is the product the attach replaced, or scheduled to replace.
	Previous *subscription.CustomerProduct `json:"previous,omitempty"`
	Invoice  *invoice.Invoice              `json:"invoice,omitempty"`
}

// AttachPreview is what an attach would do, computed without side effects.
type AttachPreview struct {
	Kind        subscription.AttachKind `json:"kind"`
	ProductKey  string                  `json:"product_key"`
	StartsAt    time.Time               `json:"starts_at"`
	TrialEndsAt *time.Time              `json:"trial_ends_at,omitempty"`
	Lines       []invoice.LineItem      `json:"lines"`
	Subtotal    types.Money             `json:"subtotal"`
	Discount    types.Money             `json:"discount"`
	DueNow      types.Money             `json:"due_now"`
	NextCycle   types.Money             `json:"next_cycle"`
}

// attachDraft is an attach planned against a fresh read of the customer.
type attachDraft struct {
	cus       *customer.Customer
	scope     customer.Scope
	product   *product.Product
	features  map[string]*feature.Feature
	plan      subscription.AttachPlan
	products  []*subscription.CustomerProduct
	cp        *subscription.CustomerProduct
	invoice   *invoice.Invoice
	nextCycle types.Money
	coupon    *coupon.Coupon
	now       time.Time
}

// PreviewAttach validates an attach and prices it.
func (e *Engine) PreviewAttach(ctx context.Context, req AttachRequest) (*AttachPreview, error) {
	d, err := e.prepareAttach(ctx, req)
	if err != nil {
		return nil, err
	}
	currency := productCurrency(d.product)
	preview := &AttachPreview{
		Kind:       d.plan.Kind,
		ProductKey: d.product.Key,
		StartsAt:   d.plan.StartsAt,
		Subtotal:   types.Zero(currency),
		Discount:   types.Zero(currency),
		DueNow:     types.Zero(currency),
		NextCycle:  d.nextCycle,
	}
	if d.plan.TrialEndsAt != nil {
		t := *d.plan.TrialEndsAt
		preview.TrialEndsAt = &t
	}
	if d.invoice != nil {
		preview.Lines = d.invoice.LineItems
		preview.Subtotal = d.invoice.Subtotal
		preview.Discount = d.invoice.DiscountAmount
		preview.DueNow = d.invoice.Total
	}
	return preview, nil
}

// Attach attaches a product. Validation runs before any provider call; the
// provider is charged before anything is written locally, so a provider
// failure leaves local state unchanged.
func (e *Engine) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	d, err := e.prepareAttach(ctx, req)
	if err != nil {
		return nil, err
	}

	var res *AttachResult
	switch d.plan.Kind {
	case subscription.AttachRestore:
		res, err = e.restore(ctx, d)
	case subscription.AttachDowngrade:
		res, err = e.downgrade(ctx, d)
	default:
		res, err = e.attachNow(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	e.cache.InvalidateAndRefresh(ctx, d.scope)
	e.logger.Info("product attached",
		"customer_id", d.scope.CustomerID.String(),
		"product", d.product.Key,
		"kind", d.plan.Kind,
	)
	e.plugins.EmitProductAttached(ctx, res.CustomerProduct, res.Kind)
	return res, nil
}

// AttachBatch attaches each request in order. A failure does not roll back
// the requests before it; failures are returned together.
func (e *Engine) AttachBatch(ctx context.Context, reqs []AttachRequest) ([]*AttachResult, error) {
	results := make([]*AttachResult, len(reqs))
	var errs *multierror.Error
	for i, req := range reqs {
		res, err := e.Attach(ctx, req)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("attach %s: %w", req.ProductKey, err))
			continue
		}
		results[i] = res
	}
	return results, errs.ErrorOrNil()
}

func (e *Engine) prepareAttach(ctx context.Context, req AttachRequest) (*attachDraft, error) {
	now := e.now()
	cus, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetProductByKey(ctx, scope.OrgID, scope.Env, req.ProductKey)
	if err != nil {
		return nil, err
	}
	if p.Status == product.StatusArchived {
		return nil, fmt.Errorf("%w: %s", ErrProductArchived, p.Key)
	}
	features, err := e.featureMap(ctx, scope.OrgID, scope.Env)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(features); err != nil {
		return nil, invalid("product", err)
	}
	if err := validateOptions(p, req.Options); err != nil {
		return nil, invalid("options", err)
	}
	if req.Quantity < 0 {
		return nil, invalid("quantity", fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity))
	}
	if !p.IsFree() {
		if err := e.requireProvider(); err != nil {
			return nil, err
		}
	}

	var cpn *coupon.Coupon
	if req.CouponCode != "" {
		cpn, err = e.store.GetCoupon(ctx, scope.OrgID, scope.Env, req.CouponCode)
		if err != nil {
			return nil, err
		}
		if !cpn.IsRedeemable(now) {
			return nil, fmt.Errorf("%w: %s", ErrCouponInvalid, cpn.Code)
		}
	}

	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	var own []*subscription.CustomerProduct
	for _, cp := range snap.Products {
		if cp.EntityID == scope.EntityID {
			own = append(own, cp)
		}
	}
	plan, err := subscription.PlanAttach(own, p, now)
	if err != nil {
		return nil, err
	}

	d := &attachDraft{
		cus:       cus,
		scope:     scope,
		product:   p,
		features:  features,
		plan:      plan,
		products:  snap.Products,
		nextCycle: types.Zero(productCurrency(p)),
		coupon:    cpn,
		now:       now,
	}
	if plan.Kind == subscription.AttachRestore {
		return d, nil
	}

	d.cp = newCustomerProduct(scope, p, req, plan, now)
	var prev []*entitlement.CustomerEntitlement
	if cur := plan.Current; cur != nil && (plan.Kind == subscription.AttachUpgrade || plan.Kind == subscription.AttachDowngrade) {
		prev, err = e.store.ListEntitlementsByCustomerProduct(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		carrySeats(d.cp, prev, features)
	}
	if plan.Kind == subscription.AttachDowngrade {
		// Billed by the subscription once the scheduled product starts.
		return d, nil
	}

	trigger := subscription.TriggerActivate
	if d.cp.TrialEndsAt != nil {
		trigger = subscription.TriggerStartTrial
	}
	if err := subscription.Transition(ctx, d.cp, trigger, now); err != nil {
		return nil, err
	}

	lines, err := e.attachLines(d)
	if err != nil {
		return nil, err
	}
	if cur := plan.Current; plan.Kind == subscription.AttachUpgrade && cur.Currency == d.cp.Currency {
		lines = append(lines, overageLines(cur, prev)...)
	}
	inv := localInvoice(scope, d.cp.Currency, invoice.ReasonAttach, lines)
	inv.CustomerProductIDs = []id.CustomerProductID{d.cp.ID}
	inv.PeriodStart, inv.PeriodEnd = d.cp.CurrentPeriodStart, d.cp.CurrentPeriodEnd
	if cpn != nil {
		if err := e.plugins.ValidateCoupon(ctx, cpn, d.cp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCouponInvalid, err)
		}
		inv.ApplyCoupon(cpn, now)
	}
	d.invoice = inv
	return d, nil
}

func validateOptions(p *product.Product, opts []subscription.Option) error {
	seen := make(map[string]bool, len(opts))
	for _, o := range opts {
		if seen[o.FeatureKey] {
			return fmt.Errorf("duplicate option for %q", o.FeatureKey)
		}
		seen[o.FeatureKey] = true
		fi := p.FindFeature(o.FeatureKey)
		if fi == nil {
			return fmt.Errorf("%w: %q is not part of %s", ErrUnknownFeature, o.FeatureKey, p.Key)
		}
		switch fi.Model {
		case product.ModelPrepaid:
		case product.ModelAllocated:
			return fmt.Errorf("%w: seats of %q follow tracked usage", ErrInvalidItem, o.FeatureKey)
		default:
			return fmt.Errorf("%w: %q has no purchasable quantity", ErrInvalidItem, o.FeatureKey)
		}
		if o.Quantity.IsNegative() {
			return fmt.Errorf("%w: %q quantity %s", ErrInvalidQuantity, o.FeatureKey, o.Quantity)
		}
	}
	return nil
}

func productCurrency(p *product.Product) string {
	if p.Currency != "" {
		return strings.ToLower(p.Currency)
	}
	for _, it := range p.Items {
		switch {
		case it.Kind == product.KindPrice && it.Price.Amount.Currency != "":
			return it.Price.Amount.Currency
		case it.Kind == product.KindFeature && it.Feature.Price.Currency != "":
			return it.Feature.Price.Currency
		}
	}
	return "usd"
}

// inCurrency fills the currency of amounts built from zero values.
func inCurrency(m types.Money, currency string) types.Money {
	if m.Currency == "" {
		m.Currency = currency
	}
	return m
}

func newCustomerProduct(scope customer.Scope, p *product.Product, req AttachRequest, plan subscription.AttachPlan, now time.Time) *subscription.CustomerProduct {
	cp := &subscription.CustomerProduct{
		Entity:          types.NewEntityAt(now),
		ID:              id.NewCustomerProductID(),
		CustomerID:      scope.CustomerID,
		EntityID:        scope.EntityID,
		ProductID:       p.ID,
		ProductKey:      p.Key,
		Group:           p.Group,
		IsAddOn:         p.IsAddOn,
		Currency:        productCurrency(p),
		Items:           p.Items,
		Prices:          subscription.PricesFromItems(p.Items),
		Options:         append([]subscription.Option(nil), req.Options...),
		Quantity:        max(req.Quantity, 1),
		Status:          subscription.StatusScheduled,
		StartsAt:        plan.StartsAt,
		TrialEndsAt:     plan.TrialEndsAt,
		BillingInterval: p.BillingInterval(),
		OrgID:           scope.OrgID,
		Env:             scope.Env,
		Metadata:        make(map[string]string, len(req.Metadata)),
	}
	for k, v := range req.Metadata {
		cp.Metadata[k] = v
	}
	startPeriod(cp, plan.StartsAt)
	return cp
}

// startPeriod opens the first period of cp at start: the trial when one
// is running, otherwise one billing interval.
func startPeriod(cp *subscription.CustomerProduct, start time.Time) {
	cp.CurrentPeriodStart = start
	switch {
	case cp.TrialEndsAt != nil && cp.TrialEndsAt.After(start):
		cp.CurrentPeriodEnd = *cp.TrialEndsAt
	case cp.BillingInterval.IsRecurring():
		cp.CurrentPeriodEnd = cp.BillingInterval.Add(start, 1)
	default:
		cp.CurrentPeriodEnd = time.Time{}
	}
}

// ──────────────────────────────────────────────────
// Invoice lines
// ──────────────────────────────────────────────────

// baseLines charges the full cost of cp: flat prices, prepaid packs and
// allocated seats above the included amount. Consumable usage is billed in
// arrear and never appears here.
func baseLines(cp *subscription.CustomerProduct, recurringOnly bool) []invoice.LineItem {
	if recurringOnly {
		return itemLines(cp, recurringItem)
	}
	return itemLines(cp, func(product.Item) bool { return true })
}

func recurringItem(it product.Item) bool {
	if it.Kind == product.KindPrice {
		return it.Price.Interval.IsRecurring()
	}
	return it.Feature.BillingInterval.IsRecurring()
}

func itemLines(cp *subscription.CustomerProduct, keep func(product.Item) bool) []invoice.LineItem {
	var lines []invoice.LineItem
	for _, it := range cp.Items {
		if !keep(it) {
			continue
		}
		switch it.Kind {
		case product.KindPrice:
			if it.Price.Amount.IsZero() {
				continue
			}
			lines = append(lines, invoice.LineItem{
				CustomerProductID: cp.ID,
				Description:       cp.ProductKey,
				Quantity:          cp.Quantity,
				Amount:            inCurrency(it.Price.Amount.Multiply(cp.Quantity), cp.Currency),
				Type:              invoice.LineItemBase,
			})
		case product.KindFeature:
			fi := it.Feature
			if fi.Model != product.ModelPrepaid && fi.Model != product.ModelAllocated {
				continue
			}
			qty := cp.QuantityOf(fi.FeatureKey)
			cost := it.ProrationConfig(qty).Cost()
			if cost.IsZero() {
				continue
			}
			lineType := invoice.LineItemPrepaid
			if fi.Model == product.ModelAllocated {
				lineType = invoice.LineItemBase
			}
			lines = append(lines, invoice.LineItem{
				CustomerProductID: cp.ID,
				FeatureKey:        fi.FeatureKey,
				Description:       fmt.Sprintf("%s %s", qty, fi.FeatureKey),
				Quantity:          qty.Ceil().IntPart(),
				Amount:            inCurrency(cost, cp.Currency),
				Type:              lineType,
			})
		}
	}
	return lines
}

// refundLines credits the unused share of cp's recurring charges.
func refundLines(cp *subscription.CustomerProduct, now time.Time) []invoice.LineItem {
	if cp.InTrial(now) || !cp.BillingInterval.IsRecurring() {
		return nil
	}
	fraction := cp.Period().RemainingFraction(now)
	if !fraction.IsPositive() {
		return nil
	}
	var lines []invoice.LineItem
	for _, l := range baseLines(cp, true) {
		amount := l.Amount.MultiplyDecimal(fraction).Negate()
		if amount.IsZero() {
			continue
		}
		lines = append(lines, invoice.LineItem{
			CustomerProductID: cp.ID,
			FeatureKey:        l.FeatureKey,
			Description:       "Unused time: " + l.Description,
			Quantity:          l.Quantity,
			Amount:            amount,
			Type:              invoice.LineItemRefund,
		})
	}
	return lines
}

// itemChange pairs the old and new cost configuration of one priced slot.
type itemChange struct {
	key         string
	description string
	old, new    proration.ItemConfig
}

// changes lists the priced slots of moving from cur to next: recurring flat
// prices as one slot, then each paid feature by key.
func changes(cur, next *subscription.CustomerProduct) []itemChange {
	flat := func(cp *subscription.CustomerProduct) proration.ItemConfig {
		cfg := proration.ItemConfig{Model: proration.ModelFlat, Price: types.Zero(cp.Currency), Quantity: decimal.NewFromInt(1)}
		for _, it := range cp.Items {
			if it.Kind == product.KindPrice && it.Price.Interval.IsRecurring() {
				cfg.Price = cfg.Price.Add(inCurrency(it.Price.Amount.Multiply(cp.Quantity), cp.Currency))
				cfg.Config = it.Price.Proration
			}
		}
		return cfg
	}
	out := []itemChange{{key: "", description: cur.ProductKey + " → " + next.ProductKey, old: flat(cur), new: flat(next)}}

	paid := func(cp *subscription.CustomerProduct) map[string]product.Item {
		m := make(map[string]product.Item)
		for _, it := range cp.Items {
			if it.Kind == product.KindFeature && it.Feature.IsPaid() && it.Feature.BillingInterval.IsRecurring() {
				m[it.Feature.FeatureKey] = it
			}
		}
		return m
	}
	oldItems, newItems := paid(cur), paid(next)
	free := proration.ItemConfig{Model: proration.ModelFree}

	var keys []string
	for _, it := range next.Items {
		if it.Kind == product.KindFeature {
			if _, ok := newItems[it.Feature.FeatureKey]; ok {
				keys = append(keys, it.Feature.FeatureKey)
			}
		}
	}
	for _, it := range cur.Items {
		if it.Kind == product.KindFeature {
			if _, ok := newItems[it.Feature.FeatureKey]; !ok {
				if _, ok := oldItems[it.Feature.FeatureKey]; ok {
					keys = append(keys, it.Feature.FeatureKey)
				}
			}
		}
	}
	for _, key := range keys {
		ch := itemChange{key: key, description: key, old: free, new: free}
		if it, ok := oldItems[key]; ok {
			ch.old = it.ProrationConfig(cur.QuantityOf(key))
		}
		if it, ok := newItems[key]; ok {
			ch.new = it.ProrationConfig(next.QuantityOf(key))
		}
		out = append(out, ch)
	}
	return out
}

// attachLines prices an attach. Trials are free. An upgrade within the same
// billing interval keeps the current period and is prorated item by item;
// any other upgrade starts a fresh period and credits unused time.
func (e *Engine) attachLines(d *attachDraft) ([]invoice.LineItem, error) {
	cp, cur := d.cp, d.plan.Current
	if cp.Status == subscription.StatusTrialing {
		return nil, nil
	}
	if d.plan.Kind != subscription.AttachUpgrade || cur == nil {
		return baseLines(cp, false), nil
	}
	if cur.InTrial(d.now) || !cur.BillingInterval.IsRecurring() || cur.BillingInterval != cp.BillingInterval {
		return append(baseLines(cp, false), refundLines(cur, d.now)...), nil
	}

	cp.CurrentPeriodStart, cp.CurrentPeriodEnd = cur.CurrentPeriodStart, cur.CurrentPeriodEnd
	cycle := proration.Cycle{Period: cur.Period(), Now: d.now}
	var lines []invoice.LineItem
	for _, ch := range changes(cur, cp) {
		delta, err := proration.ComputeDelta(ch.old, ch.new, cycle)
		if err != nil {
			return nil, invalid("items", err)
		}
		if !delta.Now.IsZero() {
			lines = append(lines, invoice.LineItem{
				CustomerProductID: cp.ID,
				FeatureKey:        ch.key,
				Description:       "Proration: " + ch.description,
				Quantity:          1,
				Amount:            inCurrency(delta.Now, cp.Currency),
				Type:              invoice.LineItemProration,
			})
		}
		if !delta.NextCycle.IsZero() {
			amount := inCurrency(delta.NextCycle, cp.Currency)
			addNextCycle(cp, ch.key, amount)
			d.nextCycle = d.nextCycle.Add(amount)
		}
	}
	oneOff := itemLines(cp, func(it product.Item) bool { return !recurringItem(it) })
	lines = append(lines, oneOff...)
	return lines, nil
}

const nextCyclePrefix = "next_cycle:"

// addNextCycle parks an amount for the next renewal invoice.
func addNextCycle(cp *subscription.CustomerProduct, key string, amount types.Money) {
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]string)
	}
	k := nextCyclePrefix + key
	total := amount.Amount
	if prev, ok := cp.Metadata[k]; ok {
		if n, err := decimal.NewFromString(prev); err == nil {
			total += n.IntPart()
		}
	}
	cp.Metadata[k] = decimal.NewFromInt(total).String()
}

// takeNextCycle removes the parked amounts of cp and returns them as lines.
func takeNextCycle(cp *subscription.CustomerProduct) []invoice.LineItem {
	var lines []invoice.LineItem
	for k, v := range cp.Metadata {
		key, ok := strings.CutPrefix(k, nextCyclePrefix)
		if !ok {
			continue
		}
		delete(cp.Metadata, k)
		n, err := decimal.NewFromString(v)
		if err != nil || n.IsZero() {
			continue
		}
		desc := "Adjustment: " + cp.ProductKey
		if key != "" {
			desc = "Adjustment: " + key
		}
		lines = append(lines, invoice.LineItem{
			CustomerProductID: cp.ID,
			FeatureKey:        key,
			Description:       desc,
			Quantity:          1,
			Amount:            types.Money{Amount: n.IntPart(), Currency: cp.Currency},
			Type:              invoice.LineItemProration,
		})
	}
	return lines
}

// ──────────────────────────────────────────────────
// Attach kinds
// ──────────────────────────────────────────────────

// attachNow handles new attachments, add-ons and upgrades: charge, write
// the remote subscription, then commit locally.
func (e *Engine) attachNow(ctx context.Context, d *attachDraft) (*AttachResult, error) {
	cp, cur := d.cp, d.plan.Current

	if err := e.billAttach(ctx, d); err != nil {
		return nil, err
	}

	keys := featureKeys(cp)
	if cur != nil {
		keys = append(keys, featureKeys(cur)...)
	}
	unlock, err := e.lockFeatures(ctx, d.scope, keys)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ents := e.grant(cp, d.features, d.now)
	if cur != nil {
		prev, err := e.store.ListEntitlementsByCustomerProduct(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		carryContinuous(prev, ents, d.features)
	}

	if err := e.store.CreateCustomerProduct(ctx, cp); err != nil {
		return nil, err
	}
	if len(ents) > 0 {
		if err := e.store.CreateEntitlements(ctx, ents); err != nil {
			return nil, err
		}
	}
	if cur != nil {
		if err := subscription.Transition(ctx, cur, subscription.TriggerRemove, d.now); err != nil {
			return nil, err
		}
		if err := e.deleteProduct(ctx, cur); err != nil {
			return nil, err
		}
		e.plugins.EmitSubscriptionExpired(ctx, cur)
	}
	if s := d.plan.Scheduled; s != nil {
		if err := e.deleteProduct(ctx, s); err != nil {
			return nil, err
		}
	}

	e.saveInvoice(ctx, d.invoice)
	e.redeemCoupon(ctx, d)

	return &AttachResult{Kind: d.plan.Kind, CustomerProduct: cp, Previous: cur, Invoice: d.invoice}, nil
}

// billAttach runs the provider side of an immediate attach. The invoice is
// paid first; when the subscription write then fails, the invoice is voided
// and nothing is committed.
func (e *Engine) billAttach(ctx context.Context, d *attachDraft) error {
	cp, cur := d.cp, d.plan.Current
	paidBefore := cur != nil && len(cur.SubscriptionIDs) > 0
	if d.product.IsFree() && !paidBefore {
		return nil
	}

	if d.cus.ProviderID == "" {
		if err := e.ensureProviderCustomer(ctx, d.cus); err != nil {
			return err
		}
		if err := e.store.UpdateCustomer(ctx, d.cus); err != nil {
			return err
		}
	}
	if cp.Status == subscription.StatusTrialing && d.product.FreeTrial != nil && d.product.FreeTrial.CardRequired {
		err := e.callProvider(ctx, "payment_method", func(ctx context.Context) error {
			_, err := e.provider.DefaultPaymentMethod(ctx, d.cus.ProviderID)
			return err
		})
		if err != nil {
			return err
		}
	}

	subID := ""
	switch {
	case paidBefore:
		subID = cur.SubscriptionIDs[0]
	case d.scope.IsEntity():
		subID = sharedSubscription(d.products, cp, d.now)
	}
	if err := e.issueInvoice(ctx, d.cus, d.invoice, subID); err != nil {
		return err
	}

	if err := e.writeSubscription(ctx, d, subID); err != nil {
		e.voidRemote(ctx, d.invoice, "subscription write failed")
		return err
	}
	if d.invoice != nil {
		d.invoice.SubscriptionID = firstOf(cp.SubscriptionIDs)
	}
	return nil
}

// writeSubscription creates or updates the remote subscription so it bills
// cp's recurring prices.
func (e *Engine) writeSubscription(ctx context.Context, d *attachDraft, subID string) error {
	cp := d.cp
	members := []*subscription.CustomerProduct{cp}
	if subID != "" {
		members = members[:0]
		for _, other := range d.products {
			if cur := d.plan.Current; cur != nil && other.ID == cur.ID {
				continue
			}
			if other.HasSubscription(subID) && other.Status != subscription.StatusScheduled {
				members = append(members, other)
			}
		}
		cp.SubscriptionIDs = []string{subID}
		members = append(members, cp)
	}

	items := subscriptionItems(members, d.now)

	switch {
	case subID == "" && len(items) == 0:
		return nil
	case subID == "":
		return e.callProvider(ctx, "create_subscription", func(ctx context.Context) error {
			sub, err := e.provider.CreateSubscription(ctx, provider.SubscriptionParams{
				CustomerID: d.cus.ProviderID,
				Items:      items,
				TrialEnd:   cp.TrialEndsAt,
				Metadata:   map[string]string{"customer_product_id": cp.ID.String()},
			})
			if err != nil {
				return err
			}
			cp.SubscriptionIDs = []string{sub.ID}
			return nil
		})
	case len(items) == 0:
		cp.SubscriptionIDs = nil
		return e.callProvider(ctx, "cancel_subscription", func(ctx context.Context) error {
			return e.provider.CancelSubscription(ctx, subID)
		})
	default:
		if err := e.callProvider(ctx, "update_subscription", func(ctx context.Context) error {
			_, err := e.provider.UpdateSubscription(ctx, subID, provider.SubscriptionUpdate{
				Items:             items,
				TrialEnd:          subscription.Shared(subID, members, d.now).TrialEnd,
				ClearCancel:       true,
				ProrationBehavior: "none",
			})
			return err
		}); err != nil {
			return err
		}
		return e.syncSchedule(ctx, subID, members)
	}
}

// sharedSubscription returns a live subscription of the customer that
// bills on cp's interval and currency, or "" when there is none. Entity
// products join it rather than opening one of their own.
func sharedSubscription(products []*subscription.CustomerProduct, cp *subscription.CustomerProduct, now time.Time) string {
	if !cp.BillingInterval.IsRecurring() {
		return ""
	}
	for _, other := range products {
		if other.ID == cp.ID || len(other.SubscriptionIDs) == 0 || !other.Status.IsRelevant() {
			continue
		}
		if other.BillingInterval != cp.BillingInterval || other.Currency != cp.Currency {
			continue
		}
		subID := other.SubscriptionIDs[0]
		if subscription.Shared(subID, products, now).Canceled {
			continue
		}
		return subID
	}
	return ""
}

// downgrade cancels the current product at its term end and schedules the
// target to start then, on the same subscription.
func (e *Engine) downgrade(ctx context.Context, d *attachDraft) (*AttachResult, error) {
	cur, next := cloneProduct(d.plan.Current), d.cp
	if cur.Status == subscription.StatusCanceling {
		end := d.plan.StartsAt
		cur.CanceledAt = &end
	} else if err := subscription.Transition(ctx, cur, subscription.TriggerCancel, d.now, d.plan.StartsAt); err != nil {
		return nil, err
	}
	next.SubscriptionIDs = append([]string(nil), cur.SubscriptionIDs...)

	if subID := firstOf(cur.SubscriptionIDs); subID != "" {
		members := e.replaceMembers(d.products, subID, cur, next, d.plan.Scheduled)
		if err := e.syncSchedule(ctx, subID, members); err != nil {
			return nil, err
		}
	}

	if s := d.plan.Scheduled; s != nil {
		if err := e.deleteProduct(ctx, s); err != nil {
			return nil, err
		}
	}
	cur.TouchAt(d.now)
	if err := e.store.UpdateCustomerProduct(ctx, cur); err != nil {
		return nil, err
	}
	if err := e.store.CreateCustomerProduct(ctx, next); err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCanceled(ctx, cur)
	return &AttachResult{Kind: subscription.AttachDowngrade, CustomerProduct: next, Previous: cur}, nil
}

// restore re-attaches the current product: a pending downgrade is dropped
// and a cancellation reverted.
func (e *Engine) restore(ctx context.Context, d *attachDraft) (*AttachResult, error) {
	cur := cloneProduct(d.plan.Current)
	if cur.Status == subscription.StatusCanceling {
		if err := subscription.Transition(ctx, cur, subscription.TriggerUncancel, d.now); err != nil {
			return nil, err
		}
	}
	if subID := firstOf(cur.SubscriptionIDs); subID != "" {
		members := e.replaceMembers(d.products, subID, cur, nil, d.plan.Scheduled)
		if err := e.syncSchedule(ctx, subID, members); err != nil {
			return nil, err
		}
	}

	if s := d.plan.Scheduled; s != nil {
		if err := e.deleteProduct(ctx, s); err != nil {
			return nil, err
		}
	}
	cur.TouchAt(d.now)
	if err := e.store.UpdateCustomerProduct(ctx, cur); err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionUpdated(ctx, cur)
	return &AttachResult{Kind: subscription.AttachRestore, CustomerProduct: cur, Previous: d.plan.Scheduled}, nil
}

// replaceMembers returns the products on subID with updated swapped in for
// its stored version, added appended and dropped left out.
func (e *Engine) replaceMembers(all []*subscription.CustomerProduct, subID string, updated, added, dropped *subscription.CustomerProduct) []*subscription.CustomerProduct {
	var out []*subscription.CustomerProduct
	for _, cp := range all {
		switch {
		case dropped != nil && cp.ID == dropped.ID:
		case updated != nil && cp.ID == updated.ID:
			out = append(out, updated)
		case cp.HasSubscription(subID):
			out = append(out, cp)
		}
	}
	if added != nil {
		out = append(out, added)
	}
	return out
}

// ──────────────────────────────────────────────────
// Local writes
// ──────────────────────────────────────────────────

// grant creates fresh entitlements for every feature item of cp.
func (e *Engine) grant(cp *subscription.CustomerProduct, features map[string]*feature.Feature, now time.Time) []*entitlement.CustomerEntitlement {
	var out []*entitlement.CustomerEntitlement
	for _, it := range cp.Items {
		if it.Kind != product.KindFeature {
			continue
		}
		feat, ok := features[it.Feature.FeatureKey]
		if !ok {
			e.logger.Warn("feature item without feature", "product", cp.ProductKey, "feature", it.Feature.FeatureKey)
			continue
		}
		ce := entitlement.FromItem(it, feat, cp.QuantityOf(it.Feature.FeatureKey), now)
		ce.Entity = types.NewEntityAt(now)
		ce.CustomerProductID = cp.ID
		ce.CustomerID = cp.CustomerID
		ce.EntityID = cp.EntityID
		ce.OrgID = cp.OrgID
		ce.Env = cp.Env
		if ce.Model == product.ModelConsumable && ce.NextResetAt != nil && !cp.CurrentPeriodEnd.IsZero() {
			// Consumables reset when their period is billed.
			next := cp.CurrentPeriodEnd
			ce.NextResetAt = &next
		}
		out = append(out, ce)
	}
	return out
}

// carryContinuous moves held usage of continuous features, such as seats,
// from replaced entitlements onto their successors.
func carryContinuous(prev, next []*entitlement.CustomerEntitlement, features map[string]*feature.Feature) {
	for _, to := range next {
		feat, ok := features[to.FeatureKey]
		if !ok || !feat.IsContinuous() {
			continue
		}
		for _, from := range prev {
			if from.FeatureKey == to.FeatureKey {
				entitlement.CarryUsage(from, to)
				break
			}
		}
	}
}

// deleteProduct removes cp and its entitlements from the store.
func (e *Engine) deleteProduct(ctx context.Context, cp *subscription.CustomerProduct) error {
	if err := e.store.DeleteEntitlementsByCustomerProduct(ctx, cp.ID); err != nil {
		return err
	}
	if err := e.store.DeleteCustomerProduct(ctx, cp.ID); err != nil && !errors.Is(err, ErrCustomerProductNotFound) {
		return err
	}
	return nil
}

func (e *Engine) redeemCoupon(ctx context.Context, d *attachDraft) {
	if d.coupon == nil || d.invoice == nil || d.invoice.CouponID != d.coupon.ID {
		return
	}
	d.coupon.TimesRedeemed++
	d.coupon.TouchAt(d.now)
	if err := e.store.UpdateCoupon(ctx, d.coupon); err != nil {
		e.logger.Warn("coupon redemption not recorded", "coupon", d.coupon.Code, "error", err)
	}
}

func featureKeys(cp *subscription.CustomerProduct) []string {
	var keys []string
	for _, it := range cp.Items {
		if it.Kind == product.KindFeature {
			keys = append(keys, it.Feature.FeatureKey)
		}
	}
	return keys
}

func cloneProduct(cp *subscription.CustomerProduct) *subscription.CustomerProduct {
	c := *cp
	c.Options = append([]subscription.Option(nil), cp.Options...)
	c.SubscriptionIDs = append([]string(nil), cp.SubscriptionIDs...)
	c.ScheduleIDs = append([]string(nil), cp.ScheduleIDs...)
	c.Metadata = make(map[string]string, len(cp.Metadata))
	for k, v := range cp.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// subscriptionItems lists what members bill right now.
func subscriptionItems(members []*subscription.CustomerProduct, now time.Time) []provider.SubscriptionItem {
	phases := schedule.BuildPhases(members, now)
	if len(phases) == 0 {
		return nil
	}
	items := make([]provider.SubscriptionItem, 0, len(phases[0].Items))
	for _, it := range phases[0].Items {
		items = append(items, provider.SubscriptionItem{PriceID: it.PriceID, Quantity: it.Quantity, CorrelationID: it.CorrelationID})
	}
	return items
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
