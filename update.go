package tally

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// CancelMode selects when a cancellation takes effect.
type CancelMode string

const (
	// CancelImmediately removes the product now and credits unused time.
	CancelImmediately CancelMode = "immediately"
	// CancelEndOfCycle keeps the product until its term end.
	CancelEndOfCycle CancelMode = "end_of_cycle"
)

// UpdateRequest changes an attached product. Exactly one of Cancel,
// Uncancel or a quantity change (Options, Quantity) is set.
type UpdateRequest struct {
	CustomerID id.CustomerID
	EntityID   id.EntityID
	// CustomerProductID selects the attachment; ProductKey is used when it
	// is nil.
	CustomerProductID id.CustomerProductID
	ProductKey        string
	Options           []subscription.Option
	Quantity          int64
	Cancel            CancelMode
	Uncancel          bool
}

// UpdateResult reports a committed update.
type UpdateResult struct {
	CustomerProduct *subscription.CustomerProduct `json:"customer_product"`
	Invoice         *invoice.Invoice              `json:"invoice,omitempty"`
	// Deferred lists features whose new quantity applies at renewal.
	Deferred []string `json:"deferred,omitempty"`
	// Replacement is the default product attached after an immediate
	// cancel, if any.
	Replacement *subscription.CustomerProduct `json:"replacement,omitempty"`
}

// UpdatePreview prices an update without side effects.
type UpdatePreview struct {
	Lines     []invoice.LineItem `json:"lines"`
	DueNow    types.Money        `json:"due_now"`
	NextCycle types.Money        `json:"next_cycle"`
	Deferred  []string           `json:"deferred,omitempty"`
}

type updateDraft struct {
	req       UpdateRequest
	cus       *customer.Customer
	scope     customer.Scope
	features  map[string]*feature.Feature
	products  []*subscription.CustomerProduct
	prev      *subscription.CustomerProduct
	cp        *subscription.CustomerProduct
	invoice   *invoice.Invoice
	nextCycle types.Money
	deferred  []string
	purchased map[string]decimal.Decimal
	now       time.Time
}

// PreviewUpdate prices an update.
func (e *Engine) PreviewUpdate(ctx context.Context, req UpdateRequest) (*UpdatePreview, error) {
	d, err := e.prepareUpdate(ctx, req)
	if err != nil {
		return nil, err
	}
	preview := &UpdatePreview{
		DueNow:    types.Zero(d.cp.Currency),
		NextCycle: d.nextCycle,
		Deferred:  d.deferred,
	}
	if d.invoice != nil {
		preview.Lines = d.invoice.LineItems
		preview.DueNow = d.invoice.Total
	}
	return preview, nil
}

// UpdateSubscription applies a quantity change, a cancellation or an
// uncancel to an attached product.
func (e *Engine) UpdateSubscription(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	d, err := e.prepareUpdate(ctx, req)
	if err != nil {
		return nil, err
	}

	var res *UpdateResult
	switch {
	case req.Cancel == CancelImmediately:
		res, err = e.cancelNow(ctx, d)
	case req.Cancel == CancelEndOfCycle:
		res, err = e.cancelAtTermEnd(ctx, d)
	case req.Uncancel:
		res, err = e.uncancel(ctx, d)
	default:
		res, err = e.changeQuantities(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	e.cache.InvalidateAndRefresh(ctx, d.scope)
	return res, nil
}

func (e *Engine) prepareUpdate(ctx context.Context, req UpdateRequest) (*updateDraft, error) {
	now := e.now()
	modes := 0
	if req.Cancel != "" {
		if req.Cancel != CancelImmediately && req.Cancel != CancelEndOfCycle {
			return nil, invalid("cancel", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Cancel))
		}
		modes++
	}
	if req.Uncancel {
		modes++
	}
	if len(req.Options) > 0 || req.Quantity != 0 {
		modes++
	}
	if modes != 1 {
		return nil, invalid("request", fmt.Errorf("%w: set exactly one of cancel, uncancel or quantities", ErrInvalidInput))
	}
	if req.Quantity < 0 {
		return nil, invalid("quantity", fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity))
	}

	cus, scope, err := e.scopeFor(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	prev, err := findAttached(snap.Products, scope, req)
	if err != nil {
		return nil, err
	}
	features, err := e.featureMap(ctx, scope.OrgID, scope.Env)
	if err != nil {
		return nil, err
	}

	d := &updateDraft{
		req:       req,
		cus:       cus,
		scope:     scope,
		features:  features,
		products:  snap.Products,
		prev:      prev,
		cp:        cloneProduct(prev),
		nextCycle: types.Zero(prev.Currency),
		purchased: make(map[string]decimal.Decimal),
		now:       now,
	}

	switch {
	case req.Cancel == CancelImmediately:
		if !subscription.CanFire(ctx, d.cp, subscription.TriggerRemove, now) {
			return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, d.cp.Status)
		}
		// Accrued overage is not billed on an immediate cancel.
		lines := refundLines(d.cp, now)
		d.invoice = localInvoice(scope, d.cp.Currency, invoice.ReasonCancel, lines)
	case req.Cancel == CancelEndOfCycle:
		if err := subscription.Transition(ctx, d.cp, subscription.TriggerCancel, now); err != nil {
			return nil, err
		}
	case req.Uncancel:
		if d.cp.Status != subscription.StatusCanceling {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotCanceling, d.cp.ProductKey, d.cp.Status)
		}
		if err := subscription.Transition(ctx, d.cp, subscription.TriggerUncancel, now); err != nil {
			return nil, err
		}
	default:
		if err := e.priceQuantities(d); err != nil {
			return nil, err
		}
	}
	if d.invoice != nil {
		d.invoice.CustomerProductIDs = []id.CustomerProductID{d.cp.ID}
		d.invoice.PeriodStart, d.invoice.PeriodEnd = d.cp.CurrentPeriodStart, d.cp.CurrentPeriodEnd
	}
	return d, nil
}

// findAttached locates the live attachment an update addresses within scope.
func findAttached(products []*subscription.CustomerProduct, scope customer.Scope, req UpdateRequest) (*subscription.CustomerProduct, error) {
	for _, cp := range products {
		if cp.EntityID != scope.EntityID || !cp.Status.IsRelevant() {
			continue
		}
		if !req.CustomerProductID.IsNil() {
			if cp.ID == req.CustomerProductID {
				return cp, nil
			}
			continue
		}
		if cp.ProductKey == req.ProductKey {
			return cp, nil
		}
	}
	if req.CustomerProductID.IsNil() && req.ProductKey == "" {
		return nil, invalid("product", fmt.Errorf("%w: customer product id or product key required", ErrInvalidInput))
	}
	return nil, ErrCustomerProductNotFound
}

// priceQuantities applies the requested quantities to d.cp and prices each
// change within the current period. Decreases a product does not prorate
// are deferred to renewal.
func (e *Engine) priceQuantities(d *updateDraft) error {
	cp := d.cp
	if cp.Status == subscription.StatusCanceling {
		return fmt.Errorf("%w: %s is canceling", ErrInvalidTransition, cp.ProductKey)
	}
	trialing := cp.InTrial(d.now)
	var lines []invoice.LineItem

	for _, o := range d.req.Options {
		it, ok := featureItem(cp, o.FeatureKey)
		if !ok {
			return invalid("options", fmt.Errorf("%w: %q is not part of %s", ErrUnknownFeature, o.FeatureKey, cp.ProductKey))
		}
		switch it.Feature.Model {
		case product.ModelPrepaid:
		case product.ModelAllocated:
			return invalid("options", fmt.Errorf("%w: seats of %q follow tracked usage", ErrInvalidItem, o.FeatureKey))
		default:
			return invalid("options", fmt.Errorf("%w: %q has no purchasable quantity", ErrInvalidItem, o.FeatureKey))
		}
		if o.Quantity.IsNegative() {
			return invalid("options", fmt.Errorf("%w: %q quantity %s", ErrInvalidQuantity, o.FeatureKey, o.Quantity))
		}
		oldQ := cp.QuantityOf(o.FeatureKey)
		if oldQ.Equal(o.Quantity) {
			continue
		}
		cycle := proration.Cycle{Now: d.now}
		if it.Feature.BillingInterval.IsRecurring() {
			cycle.Period = cp.Period()
		}
		delta, err := proration.ComputeDelta(it.ProrationConfig(oldQ), it.ProrationConfig(o.Quantity), cycle)
		if err != nil {
			return invalid("options", err)
		}
		if !trialing && delta.DeferQuantity {
			q := o.Quantity
			cp.SetOption(subscription.Option{FeatureKey: o.FeatureKey, Quantity: oldQ, UpcomingQuantity: &q})
			d.deferred = append(d.deferred, o.FeatureKey)
			continue
		}
		cp.SetOption(subscription.Option{FeatureKey: o.FeatureKey, Quantity: o.Quantity})
		d.purchased[o.FeatureKey] = o.Quantity
		if trialing {
			continue
		}
		lines = append(lines, e.deltaLines(d, o.FeatureKey, fmt.Sprintf("%s: %s → %s", o.FeatureKey, oldQ, o.Quantity), delta)...)
	}

	if q := d.req.Quantity; q > 0 && q != cp.Quantity {
		deferQty := false
		for _, it := range cp.Items {
			if it.Kind != product.KindPrice || !it.Price.Interval.IsRecurring() || it.Price.Amount.IsZero() {
				continue
			}
			price := inCurrency(it.Price.Amount, cp.Currency)
			old := proration.ItemConfig{Model: proration.ModelFlat, Price: price.Multiply(cp.Quantity), Quantity: decimal.NewFromInt(1), Config: it.Price.Proration}
			next := old
			next.Price = price.Multiply(q)
			delta, err := proration.ComputeDelta(old, next, proration.Cycle{Period: cp.Period(), Now: d.now})
			if err != nil {
				return invalid("quantity", err)
			}
			if trialing {
				continue
			}
			if delta.DeferQuantity {
				deferQty = true
				continue
			}
			lines = append(lines, e.deltaLines(d, "", fmt.Sprintf("%s: %d → %d", cp.ProductKey, cp.Quantity, q), delta)...)
		}
		if deferQty {
			cp.Metadata[upcomingQuantityKey] = strconv.FormatInt(q, 10)
			d.deferred = append(d.deferred, upcomingQuantityKey)
		} else {
			cp.Quantity = q
		}
	}

	if len(lines) > 0 {
		d.invoice = localInvoice(d.scope, cp.Currency, invoice.ReasonUpdate, lines)
	}
	return nil
}

func (e *Engine) deltaLines(d *updateDraft, featureKey, description string, delta proration.Delta) []invoice.LineItem {
	var lines []invoice.LineItem
	if !delta.Now.IsZero() {
		lines = append(lines, invoice.LineItem{
			CustomerProductID: d.cp.ID,
			FeatureKey:        featureKey,
			Description:       "Proration: " + description,
			Quantity:          1,
			Amount:            inCurrency(delta.Now, d.cp.Currency),
			Type:              invoice.LineItemProration,
		})
	}
	if !delta.NextCycle.IsZero() {
		amount := inCurrency(delta.NextCycle, d.cp.Currency)
		addNextCycle(d.cp, featureKey, amount)
		d.nextCycle = d.nextCycle.Add(amount)
	}
	return lines
}

func featureItem(cp *subscription.CustomerProduct, featureKey string) (product.Item, bool) {
	for _, it := range cp.Items {
		if it.Kind == product.KindFeature && it.Feature.FeatureKey == featureKey {
			return it, true
		}
	}
	return product.Item{}, false
}

// ──────────────────────────────────────────────────
// Update kinds
// ──────────────────────────────────────────────────

func (e *Engine) changeQuantities(ctx context.Context, d *updateDraft) (*UpdateResult, error) {
	cp := d.cp
	subID := firstOf(cp.SubscriptionIDs)

	if d.invoice != nil {
		if err := e.requireProvider(); err != nil {
			return nil, err
		}
		if err := e.issueInvoice(ctx, d.cus, d.invoice, subID); err != nil {
			return nil, err
		}
	}
	if subID != "" {
		members := e.replaceMembers(d.products, subID, cp, nil, nil)
		err := e.callProvider(ctx, "update_subscription", func(ctx context.Context) error {
			_, err := e.provider.UpdateSubscription(ctx, subID, provider.SubscriptionUpdate{
				Items:             subscriptionItems(members, d.now),
				ProrationBehavior: "none",
			})
			return err
		})
		if err == nil {
			err = e.syncSchedule(ctx, subID, members)
		}
		if err != nil {
			e.voidRemote(ctx, d.invoice, "subscription update failed")
			return nil, err
		}
	}

	unlock, err := e.lockFeatures(ctx, d.scope, featureKeys(cp))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(d.purchased) > 0 {
		ents, err := e.store.ListEntitlementsByCustomerProduct(ctx, cp.ID)
		if err != nil {
			return nil, err
		}
		var touched []*entitlement.CustomerEntitlement
		for _, ce := range ents {
			if q, ok := d.purchased[ce.FeatureKey]; ok {
				entitlement.SetPurchased(ce, q)
				ce.TouchAt(d.now)
				touched = append(touched, ce)
			}
		}
		if len(touched) > 0 {
			if err := e.store.UpdateEntitlements(ctx, touched); err != nil {
				return nil, err
			}
		}
	}
	cp.TouchAt(d.now)
	if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
		return nil, err
	}
	e.saveInvoice(ctx, d.invoice)

	e.logger.Info("subscription updated",
		"customer_id", d.scope.CustomerID.String(),
		"product", cp.ProductKey,
		"deferred", d.deferred,
	)
	e.plugins.EmitSubscriptionUpdated(ctx, cp)
	return &UpdateResult{CustomerProduct: cp, Invoice: d.invoice, Deferred: d.deferred}, nil
}

// cancelNow removes the product, credits unused recurring charges and
// falls back to the group's default product.
func (e *Engine) cancelNow(ctx context.Context, d *updateDraft) (*UpdateResult, error) {
	cp := d.cp
	scheduled := scheduledInGroup(d.products, cp)
	subID := firstOf(cp.SubscriptionIDs)

	if subID != "" || (d.invoice != nil && len(d.invoice.LineItems) > 0) {
		if err := e.requireProvider(); err != nil {
			return nil, err
		}
	}
	if subID != "" {
		members := e.replaceMembers(d.products, subID, nil, nil, scheduled)
		var remaining []*subscription.CustomerProduct
		for _, m := range members {
			if m.ID != cp.ID {
				remaining = append(remaining, m)
			}
		}
		if err := e.releaseFromSubscription(ctx, subID, remaining, d.now); err != nil {
			return nil, err
		}
	}
	if err := e.issueInvoice(ctx, d.cus, d.invoice, subID); err != nil {
		// The product is already gone remotely; the credit can be issued
		// again by hand.
		e.logger.Error("cancel credit not issued", "customer_product_id", cp.ID.String(), "error", err)
		d.invoice.Status = invoice.StatusFailed
	}

	unlock, err := e.lockFeatures(ctx, d.scope, featureKeys(cp))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if scheduled != nil {
		if err := e.deleteProduct(ctx, scheduled); err != nil {
			return nil, err
		}
	}
	if err := e.removeProduct(ctx, cp, d.now); err != nil {
		return nil, err
	}
	e.saveInvoice(ctx, d.invoice)
	e.plugins.EmitSubscriptionCanceled(ctx, cp)

	res := &UpdateResult{CustomerProduct: cp, Invoice: d.invoice}
	if !cp.IsAddOn {
		res.Replacement, err = e.attachDefault(ctx, d.scope, cp.Group, d.now)
		if err != nil {
			return nil, err
		}
	}
	e.logger.Info("subscription canceled", "customer_id", d.scope.CustomerID.String(), "product", cp.ProductKey, "mode", CancelImmediately)
	return res, nil
}

// releaseFromSubscription drops a product from subID: the subscription is
// canceled once nothing else bills on it.
func (e *Engine) releaseFromSubscription(ctx context.Context, subID string, remaining []*subscription.CustomerProduct, now time.Time) error {
	items := subscriptionItems(remaining, now)
	if len(items) == 0 {
		return e.callProvider(ctx, "cancel_subscription", func(ctx context.Context) error {
			return e.provider.CancelSubscription(ctx, subID)
		})
	}
	if err := e.callProvider(ctx, "update_subscription", func(ctx context.Context) error {
		_, err := e.provider.UpdateSubscription(ctx, subID, provider.SubscriptionUpdate{Items: items, ProrationBehavior: "none"})
		return err
	}); err != nil {
		return err
	}
	return e.syncSchedule(ctx, subID, remaining)
}

func (e *Engine) cancelAtTermEnd(ctx context.Context, d *updateDraft) (*UpdateResult, error) {
	cp := d.cp
	scheduled := scheduledInGroup(d.products, cp)
	if subID := firstOf(cp.SubscriptionIDs); subID != "" {
		members := e.replaceMembers(d.products, subID, cp, nil, scheduled)
		if err := e.syncSchedule(ctx, subID, members); err != nil {
			return nil, err
		}
	}
	if scheduled != nil {
		if err := e.deleteProduct(ctx, scheduled); err != nil {
			return nil, err
		}
	}
	cp.TouchAt(d.now)
	if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
		return nil, err
	}
	e.logger.Info("subscription canceled", "customer_id", d.scope.CustomerID.String(), "product", cp.ProductKey, "mode", CancelEndOfCycle, "ends_at", cp.CanceledAt)
	e.plugins.EmitSubscriptionCanceled(ctx, cp)
	return &UpdateResult{CustomerProduct: cp}, nil
}

func (e *Engine) uncancel(ctx context.Context, d *updateDraft) (*UpdateResult, error) {
	cp := d.cp
	// A pending downgrade depends on the cancellation being reverted.
	scheduled := scheduledInGroup(d.products, cp)
	if subID := firstOf(cp.SubscriptionIDs); subID != "" {
		members := e.replaceMembers(d.products, subID, cp, nil, scheduled)
		if err := e.syncSchedule(ctx, subID, members); err != nil {
			return nil, err
		}
	}
	if scheduled != nil {
		if err := e.deleteProduct(ctx, scheduled); err != nil {
			return nil, err
		}
	}
	cp.TouchAt(d.now)
	if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionUpdated(ctx, cp)
	return &UpdateResult{CustomerProduct: cp}, nil
}

// scheduledInGroup returns the pending product that would replace cp.
func scheduledInGroup(products []*subscription.CustomerProduct, cp *subscription.CustomerProduct) *subscription.CustomerProduct {
	if cp.IsAddOn {
		return nil
	}
	for _, other := range products {
		if other.Status == subscription.StatusScheduled && !other.IsAddOn &&
			other.Group == cp.Group && other.EntityID == cp.EntityID && other.ID != cp.ID {
			return other
		}
	}
	return nil
}

// removeProduct expires cp and deletes it with its entitlements.
func (e *Engine) removeProduct(ctx context.Context, cp *subscription.CustomerProduct, now time.Time) error {
	if subscription.CanFire(ctx, cp, subscription.TriggerRemove, now) {
		if err := subscription.Transition(ctx, cp, subscription.TriggerRemove, now); err != nil {
			return err
		}
	}
	if err := e.deleteProduct(ctx, cp); err != nil {
		return err
	}
	e.plugins.EmitSubscriptionExpired(ctx, cp)
	return nil
}

// attachDefault attaches the free default product of group to scope, if the
// catalog has one and the scope holds nothing else in the group.
func (e *Engine) attachDefault(ctx context.Context, scope customer.Scope, group string, now time.Time) (*subscription.CustomerProduct, error) {
	candidates, err := e.store.ListProducts(ctx, scope.OrgID, scope.Env, product.ListOpts{Group: group, Status: product.StatusActive})
	if err != nil {
		return nil, err
	}
	var def *product.Product
	for _, p := range candidates {
		if p.IsDefault && !p.IsAddOn && p.Group == group {
			def = p
			break
		}
	}
	if def == nil {
		return nil, nil
	}
	if !def.IsFree() {
		e.logger.Warn("default product is not free, not attached", "product", def.Key, "group", group)
		return nil, nil
	}

	existing, err := e.store.ListCustomerProducts(ctx, scope.CustomerID, subscription.ListOpts{})
	if err != nil {
		return nil, err
	}
	for _, cp := range existing {
		if cp.EntityID == scope.EntityID && !cp.IsAddOn && cp.Group == group && cp.Status.IsRelevant() {
			return nil, nil
		}
	}

	features, err := e.featureMap(ctx, scope.OrgID, scope.Env)
	if err != nil {
		return nil, err
	}
	cp := newCustomerProduct(scope, def, AttachRequest{}, subscription.AttachPlan{Kind: subscription.AttachNew, StartsAt: now}, now)
	if err := subscription.Transition(ctx, cp, subscription.TriggerActivate, now); err != nil {
		return nil, err
	}
	if err := e.store.CreateCustomerProduct(ctx, cp); err != nil {
		return nil, err
	}
	if ents := e.grant(cp, features, now); len(ents) > 0 {
		if err := e.store.CreateEntitlements(ctx, ents); err != nil {
			return nil, err
		}
	}
	e.logger.Info("default product attached", "customer_id", scope.CustomerID.String(), "product", def.Key)
	e.plugins.EmitProductAttached(ctx, cp, subscription.AttachNew)
	return cp, nil
}
