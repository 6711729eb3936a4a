package tally

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
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
)

// RenewalReport counts what one renewal pass did.
type RenewalReport struct {
	Activated   int `json:"activated"`
	TrialsEnded int `json:"trials_ended"`
	Renewed     int `json:"renewed"`
	Removed     int `json:"removed"`
	Reset       int `json:"reset"`
}

func (r *RenewalReport) total() int {
	return r.Activated + r.TrialsEnded + r.Renewed + r.Removed + r.Reset
}

// ProcessRenewals runs every transition that is due: scheduled products
// start, trials end, periods renew, canceling products end and usage
// balances reset. Failures are collected; one failing product does not
// stop the pass.
func (e *Engine) ProcessRenewals(ctx context.Context) (*RenewalReport, error) {
	now := e.now()
	report := &RenewalReport{}
	var errs *multierror.Error

	due, err := e.store.ListDueCustomerProducts(ctx, now, e.renewalBatch)
	if err != nil {
		return report, fmt.Errorf("tally: list due products: %w", err)
	}
	// Ending products first, so their scheduled successors start from them.
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Status == subscription.StatusCanceling && due[j].Status != subscription.StatusCanceling
	})
	for _, cp := range due {
		if err := e.transitionDue(ctx, cp, now, report); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("customer product %s: %w", cp.ID, err))
		}
	}

	if err := e.resetBalances(ctx, now, report); err != nil {
		errs = multierror.Append(errs, err)
	}

	if report.total() > 0 {
		e.logger.Info("renewal pass complete",
			"activated", report.Activated,
			"trials_ended", report.TrialsEnded,
			"renewed", report.Renewed,
			"removed", report.Removed,
			"reset", report.Reset,
		)
	}
	return report, errs.ErrorOrNil()
}

func scopeOf(cp *subscription.CustomerProduct) customer.Scope {
	return customer.Scope{OrgID: cp.OrgID, Env: cp.Env, CustomerID: cp.CustomerID, EntityID: cp.EntityID}
}

func (e *Engine) transitionDue(ctx context.Context, stale *subscription.CustomerProduct, now time.Time, report *RenewalReport) error {
	cp, err := e.store.GetCustomerProduct(ctx, stale.ID)
	if errors.Is(err, ErrCustomerProductNotFound) || errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cp.IsDue(now) {
		return nil
	}
	scope := scopeOf(cp)
	features, err := e.featureMap(ctx, cp.OrgID, cp.Env)
	if err != nil {
		return err
	}

	switch cp.Status {
	case subscription.StatusCanceling:
		err = e.expire(ctx, scope, cp, features, report)
	case subscription.StatusScheduled:
		err = e.startScheduled(ctx, scope, cp, features, report)
	case subscription.StatusTrialing:
		err = e.endTrial(ctx, scope, cp, report)
	case subscription.StatusActive:
		err = e.renewPeriod(ctx, scope, cp, report)
	}
	if err != nil {
		return err
	}
	e.cache.InvalidateAndRefresh(ctx, scope)
	return nil
}

// expire ends a canceling product at its cancel time: outstanding overage
// is invoiced, a scheduled successor starts, or the group default is
// attached.
func (e *Engine) expire(ctx context.Context, scope customer.Scope, cp *subscription.CustomerProduct, features map[string]*feature.Feature, report *RenewalReport) error {
	at := *cp.CanceledAt
	products, err := e.store.ListCustomerProducts(ctx, cp.CustomerID, subscription.ListOpts{})
	if err != nil {
		return err
	}
	successor := scheduledInGroup(products, cp)

	keys := featureKeys(cp)
	if successor != nil {
		keys = append(keys, featureKeys(successor)...)
	}
	unlock, err := e.lockFeatures(ctx, scope, keys)
	if err != nil {
		return err
	}
	defer unlock()

	ents, err := e.store.ListEntitlementsByCustomerProduct(ctx, cp.ID)
	if err != nil {
		return err
	}
	if lines := overageLines(cp, ents); len(lines) > 0 {
		e.billArrears(ctx, scope, cp, invoice.ReasonCancel, lines, "")
	}

	if successor != nil {
		if err := e.activate(ctx, successor, at, ents, features); err != nil {
			return err
		}
		report.Activated++
	}
	if err := e.removeProduct(ctx, cp, at); err != nil {
		return err
	}
	report.Removed++
	e.logger.Info("product ended", "customer_id", cp.CustomerID.String(), "product", cp.ProductKey)

	if successor == nil && !cp.IsAddOn {
		if _, err := e.attachDefault(ctx, scope, cp.Group, at); err != nil {
			return err
		}
	}
	return nil
}

// startScheduled starts a scheduled product whose predecessor is already
// gone.
func (e *Engine) startScheduled(ctx context.Context, scope customer.Scope, cp *subscription.CustomerProduct, features map[string]*feature.Feature, report *RenewalReport) error {
	unlock, err := e.lockFeatures(ctx, scope, featureKeys(cp))
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.activate(ctx, cp, cp.StartsAt, nil, features); err != nil {
		return err
	}
	report.Activated++
	return nil
}

// activate starts cp at its scheduled time and grants its entitlements,
// carrying continuous usage from prev. Callers hold the balance locks.
func (e *Engine) activate(ctx context.Context, cp *subscription.CustomerProduct, at time.Time, prev []*entitlement.CustomerEntitlement, features map[string]*feature.Feature) error {
	trigger := subscription.TriggerActivate
	if cp.TrialEndsAt != nil && cp.TrialEndsAt.After(at) {
		trigger = subscription.TriggerStartTrial
	}
	if err := subscription.Transition(ctx, cp, trigger, at); err != nil {
		return err
	}
	startPeriod(cp, at)
	ents := e.grant(cp, features, at)
	carryContinuous(prev, ents, features)

	cp.TouchAt(at)
	if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
		return err
	}
	if len(ents) > 0 {
		if err := e.store.CreateEntitlements(ctx, ents); err != nil {
			return err
		}
	}
	e.logger.Info("scheduled product started", "customer_id", cp.CustomerID.String(), "product", cp.ProductKey)
	e.plugins.EmitSubscriptionUpdated(ctx, cp)
	return nil
}

func (e *Engine) endTrial(ctx context.Context, scope customer.Scope, cp *subscription.CustomerProduct, report *RenewalReport) error {
	at := *cp.TrialEndsAt
	if err := subscription.Transition(ctx, cp, subscription.TriggerEndTrial, at); err != nil {
		return err
	}
	cp.TrialEndsAt = nil
	startPeriod(cp, at)

	unlock, err := e.lockFeatures(ctx, scope, featureKeys(cp))
	if err != nil {
		return err
	}
	defer unlock()

	ents, err := e.store.ListEntitlementsByCustomerProduct(ctx, cp.ID)
	if err != nil {
		return err
	}
	// Trial usage is not billed.
	closeCycle(cp, ents, false)
	if err := e.saveCycle(ctx, cp, ents); err != nil {
		return err
	}
	report.TrialsEnded++
	e.logger.Info("trial ended", "customer_id", cp.CustomerID.String(), "product", cp.ProductKey)
	e.plugins.EmitSubscriptionUpdated(ctx, cp)
	return nil
}

// renewPeriod closes the current period: consumable overage and amounts
// parked by earlier changes are invoiced, deferred quantities take effect
// and usage resets. The recurring base price is billed by the provider
// subscription itself.
func (e *Engine) renewPeriod(ctx context.Context, scope customer.Scope, cp *subscription.CustomerProduct, report *RenewalReport) error {
	at := cp.CurrentPeriodEnd
	unlock, err := e.lockFeatures(ctx, scope, featureKeys(cp))
	if err != nil {
		return err
	}
	defer unlock()

	ents, err := e.store.ListEntitlementsByCustomerProduct(ctx, cp.ID)
	if err != nil {
		return err
	}
	lines := append(overageLines(cp, ents), takeNextCycle(cp)...)
	periodStart, periodEnd := cp.CurrentPeriodStart, cp.CurrentPeriodEnd

	if err := subscription.Transition(ctx, cp, subscription.TriggerRenew, at); err != nil {
		return err
	}
	changed := applyUpcoming(cp, ents)
	closeCycle(cp, ents, true)

	subID := firstOf(cp.SubscriptionIDs)
	if changed && subID != "" && e.provider != nil {
		e.pushQuantities(ctx, cp, subID)
	}
	if len(lines) > 0 {
		inv := e.billArrears(ctx, scope, cp, invoice.ReasonRenewal, lines, subID)
		if inv != nil {
			inv.PeriodStart, inv.PeriodEnd = periodStart, periodEnd
		}
	}
	if err := e.saveCycle(ctx, cp, ents); err != nil {
		return err
	}
	report.Renewed++
	return nil
}

const upcomingQuantityKey = "upcoming_quantity"

// applyUpcoming makes deferred quantities current. It reports whether
// anything changed.
func applyUpcoming(cp *subscription.CustomerProduct, ents []*entitlement.CustomerEntitlement) bool {
	changed := false
	for i := range cp.Options {
		o := &cp.Options[i]
		if o.UpcomingQuantity == nil {
			continue
		}
		o.Quantity = *o.UpcomingQuantity
		o.UpcomingQuantity = nil
		changed = true
		for _, ce := range ents {
			if ce.FeatureKey == o.FeatureKey && ce.IsPrepaid() {
				entitlement.SetPurchased(ce, o.Quantity)
			}
		}
	}
	if v, ok := cp.Metadata[upcomingQuantityKey]; ok {
		delete(cp.Metadata, upcomingQuantityKey)
		if q, err := strconv.ParseInt(v, 10, 64); err == nil && q > 0 {
			cp.Quantity = q
			changed = true
		}
	}
	return changed
}

// closeCycle resets consumable balances for the period that just started.
// Consumables that never reset keep their usage, minus the overage billed.
func closeCycle(cp *subscription.CustomerProduct, ents []*entitlement.CustomerEntitlement, billed bool) {
	for _, ce := range ents {
		if ce.Model != product.ModelConsumable {
			continue
		}
		switch {
		case ce.ResetInterval.IsRecurring():
			ce.Balance = ce.Allowance()
			if !cp.CurrentPeriodEnd.IsZero() {
				next := cp.CurrentPeriodEnd
				ce.NextResetAt = &next
			}
		case billed && ce.Balance.IsNegative():
			ce.Balance = decimal.Zero
		}
	}
}

func (e *Engine) saveCycle(ctx context.Context, cp *subscription.CustomerProduct, ents []*entitlement.CustomerEntitlement) error {
	if len(ents) > 0 {
		for _, ce := range ents {
			ce.TouchAt(e.now())
		}
		if err := e.store.UpdateEntitlements(ctx, ents); err != nil {
			return err
		}
	}
	cp.TouchAt(e.now())
	return e.store.UpdateCustomerProduct(ctx, cp)
}

// pushQuantities moves the provider subscription, and its schedule when
// one exists, to cp's current quantities. A failure is logged; the next
// webhook or update reconciles the schedule.
func (e *Engine) pushQuantities(ctx context.Context, cp *subscription.CustomerProduct, subID string) {
	members, err := e.store.ListCustomerProductsBySubscription(ctx, subID)
	if err != nil {
		e.logger.Warn("quantities not pushed", "subscription_id", subID, "error", err)
		return
	}
	for i, m := range members {
		if m.ID == cp.ID {
			members[i] = cp
		}
	}
	err = e.callProvider(ctx, "update_subscription", func(ctx context.Context) error {
		_, err := e.provider.UpdateSubscription(ctx, subID, provider.SubscriptionUpdate{
			Items:             subscriptionItems(members, e.now()),
			ProrationBehavior: "none",
		})
		return err
	})
	if err != nil {
		e.logger.Warn("quantities not pushed", "subscription_id", subID, "error", err)
		return
	}

	scheduled := false
	for _, m := range members {
		scheduled = scheduled || len(m.ScheduleIDs) > 0
	}
	if !scheduled {
		return
	}
	if err := e.syncSchedule(ctx, subID, members); err != nil {
		e.logger.Warn("schedule not synced", "subscription_id", subID, "error", err)
		return
	}
	for _, m := range members {
		if err := e.store.UpdateCustomerProduct(ctx, m); err != nil {
			e.logger.Warn("schedule id not saved", "customer_product_id", m.ID.String(), "error", err)
		}
	}
}

// overageLines bills consumable usage beyond the allowance, in whole
// billing units.
func overageLines(cp *subscription.CustomerProduct, ents []*entitlement.CustomerEntitlement) []invoice.LineItem {
	var lines []invoice.LineItem
	for _, ce := range ents {
		if ce.Model != product.ModelConsumable || ce.Unlimited || !ce.Balance.IsNegative() {
			continue
		}
		it, ok := cp.Item(ce.ItemID)
		if !ok || it.Feature == nil || it.Feature.Price.IsZero() {
			continue
		}
		over := ce.Balance.Neg()
		packs := proration.Packs(over, decimal.Zero, it.Feature.BillingUnits)
		lines = append(lines, invoice.LineItem{
			CustomerProductID: cp.ID,
			FeatureKey:        ce.FeatureKey,
			Description:       fmt.Sprintf("%s overage: %s", ce.FeatureKey, over),
			Quantity:          packs.IntPart(),
			Amount:            inCurrency(it.Feature.Price.MultiplyDecimal(packs), cp.Currency),
			Type:              invoice.LineItemOverage,
		})
	}
	return lines
}

// billArrears invoices usage after the fact. A failed charge is recorded
// on the invoice; it never blocks the transition that triggered it.
func (e *Engine) billArrears(ctx context.Context, scope customer.Scope, cp *subscription.CustomerProduct, reason invoice.Reason, lines []invoice.LineItem, subID string) *invoice.Invoice {
	if e.provider == nil {
		e.logger.Warn("arrears not billed without a provider", "customer_product_id", cp.ID.String())
		return nil
	}
	inv := localInvoice(scope, cp.Currency, reason, lines)
	inv.CustomerProductIDs = []id.CustomerProductID{cp.ID}

	cus, err := e.store.GetCustomer(ctx, cp.CustomerID)
	if err == nil {
		err = e.issueInvoice(ctx, cus, inv, subID)
	}
	if err != nil {
		e.logger.Error("arrears charge failed",
			"customer_id", cp.CustomerID.String(),
			"invoice_id", inv.ID.String(),
			"error", err,
		)
		inv.Status = invoice.StatusFailed
		inv.SubscriptionID = subID
		if err := e.store.CreateInvoice(ctx, inv); err != nil {
			e.logger.Error("invoice not recorded", "invoice_id", inv.ID.String(), "error", err)
			return inv
		}
		e.plugins.EmitInvoiceGenerated(ctx, inv)
		e.plugins.EmitInvoiceFailed(ctx, inv, err)
		return inv
	}
	e.saveInvoice(ctx, inv)
	return inv
}

// ──────────────────────────────────────────────────
// Balance resets
// ──────────────────────────────────────────────────

// resetBalances restores entitlements whose reset time passed. Consumables
// of a product that is itself due are left to the product's renewal, which
// bills their overage first.
func (e *Engine) resetBalances(ctx context.Context, now time.Time, report *RenewalReport) error {
	due, err := e.store.ListEntitlementsDueForReset(ctx, now, e.renewalBatch)
	if err != nil {
		return fmt.Errorf("tally: list due entitlements: %w", err)
	}
	var errs *multierror.Error
	touched := make(map[string]customer.Scope)
	for _, ce := range due {
		if ce.Model == product.ModelConsumable {
			cp, err := e.store.GetCustomerProduct(ctx, ce.CustomerProductID)
			if err == nil && cp.IsDue(now) {
				continue
			}
		}
		scope := customer.Scope{OrgID: ce.OrgID, Env: ce.Env, CustomerID: ce.CustomerID, EntityID: ce.EntityID}
		if err := e.resetOne(ctx, scope, ce, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("entitlement %s: %w", ce.ID, err))
			continue
		}
		report.Reset++
		touched[scope.Key()] = scope
	}
	for _, scope := range touched {
		e.cache.InvalidateAndRefresh(ctx, scope)
	}
	return errs.ErrorOrNil()
}

func (e *Engine) resetOne(ctx context.Context, scope customer.Scope, stale *entitlement.CustomerEntitlement, now time.Time) error {
	unlock, err := e.lockFeatures(ctx, scope, []string{stale.FeatureKey})
	if err != nil {
		return err
	}
	defer unlock()

	ce, err := e.store.GetEntitlement(ctx, stale.ID)
	if err != nil {
		return err
	}
	if !entitlement.DueForReset(ce, now) {
		return nil
	}
	entitlement.ResetForNewCycle(ce, now)
	ce.TouchAt(now)
	return e.store.UpdateEntitlements(ctx, []*entitlement.CustomerEntitlement{ce})
}

// ──────────────────────────────────────────────────
// Provider webhooks
// ──────────────────────────────────────────────────

// HandleWebhook verifies and applies a provider event. Redelivered events
// are acknowledged without being applied again; an event whose handling
// failed is applied again on its next delivery.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) (*provider.Event, error) {
	if err := e.requireProvider(); err != nil {
		return nil, err
	}
	evt, err := e.provider.ConstructEvent(payload, signature)
	if err != nil {
		if !errors.Is(err, ErrProviderWebhook) {
			err = fmt.Errorf("%w: %v", ErrProviderWebhook, err)
		}
		return nil, err
	}

	key := "webhook:" + e.provider.Name() + ":" + evt.ID
	n, err := e.counter.IncrementCounter(ctx, key, e.dedupTTL)
	if err != nil {
		return nil, err
	}
	if n > 1 {
		e.logger.Debug("webhook redelivered", "event_id", evt.ID, "type", evt.Type)
		return evt, nil
	}

	switch evt.Type {
	case provider.EventInvoicePaid:
		err = e.invoicePaid(ctx, evt)
	case provider.EventInvoicePaymentFailed:
		err = e.invoiceFailed(ctx, evt)
	case provider.EventSubscriptionDeleted:
		err = e.subscriptionDeleted(ctx, evt)
	case provider.EventScheduleReleased, provider.EventScheduleCanceled:
		err = e.scheduleGone(ctx, evt)
	case provider.EventSubscriptionUpdated, provider.EventScheduleUpdated:
		err = e.resyncSubscription(ctx, evt)
	default:
		e.logger.Debug("webhook ignored", "event_id", evt.ID, "type", evt.Type)
	}
	if err != nil {
		if rerr := e.counter.ResetCounter(ctx, key); rerr != nil {
			e.logger.Error("webhook claim not released", "event_id", evt.ID, "error", rerr)
		}
		return nil, fmt.Errorf("tally: webhook %s: %w", evt.Type, err)
	}

	e.plugins.EmitWebhookReceived(ctx, e.provider.Name(), evt)
	return evt, nil
}

// webhookInvoice returns the local invoice of a provider invoice, nil when
// the provider created it on its own (subscription renewals).
func (e *Engine) webhookInvoice(ctx context.Context, evt *provider.Event) (*invoice.Invoice, error) {
	inv, err := e.store.GetInvoiceByProviderID(ctx, evt.InvoiceID)
	if errors.Is(err, ErrInvoiceNotFound) || errors.Is(err, ErrNotFound) {
		e.logger.Debug("webhook for untracked invoice", "provider_invoice_id", evt.InvoiceID)
		return nil, nil
	}
	return inv, err
}

func (e *Engine) invoicePaid(ctx context.Context, evt *provider.Event) error {
	inv, err := e.webhookInvoice(ctx, evt)
	if err != nil || inv == nil || inv.Status == invoice.StatusPaid {
		return err
	}
	now := e.now()
	if err := e.store.MarkInvoicePaid(ctx, inv.ID, now); err != nil {
		if errors.Is(err, ErrInvoiceVoided) {
			e.logger.Warn("payment reported for voided invoice", "invoice_id", inv.ID.String())
			return nil
		}
		return err
	}
	inv.Status = invoice.StatusPaid
	inv.PaidAt = &now
	e.plugins.EmitInvoicePaid(ctx, inv)
	return nil
}

func (e *Engine) invoiceFailed(ctx context.Context, evt *provider.Event) error {
	inv, err := e.webhookInvoice(ctx, evt)
	if err != nil || inv == nil || inv.Status == invoice.StatusPaid || inv.Status == invoice.StatusVoided {
		return err
	}
	inv.Status = invoice.StatusFailed
	inv.TouchAt(e.now())
	if err := e.store.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	e.plugins.EmitInvoiceFailed(ctx, inv, ErrPaymentDeclined)
	return nil
}

// subscriptionDeleted removes every product billed on the subscription and
// falls back to group defaults.
func (e *Engine) subscriptionDeleted(ctx context.Context, evt *provider.Event) error {
	products, err := e.store.ListCustomerProductsBySubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	now := e.now()
	var errs *multierror.Error
	for _, cp := range products {
		scope := scopeOf(cp)
		err := func() error {
			unlock, err := e.lockFeatures(ctx, scope, featureKeys(cp))
			if err != nil {
				return err
			}
			defer unlock()
			return e.removeProduct(ctx, cp, now)
		}()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !cp.IsAddOn && cp.Status != subscription.StatusScheduled {
			if _, err := e.attachDefault(ctx, scope, cp.Group, now); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		e.cache.InvalidateAndRefresh(ctx, scope)
	}
	return errs.ErrorOrNil()
}

// scheduleGone forgets a schedule the provider released or canceled.
func (e *Engine) scheduleGone(ctx context.Context, evt *provider.Event) error {
	products, err := e.store.ListCustomerProductsBySubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	for _, cp := range products {
		kept := cp.ScheduleIDs[:0]
		for _, sid := range cp.ScheduleIDs {
			if sid != evt.ScheduleID {
				kept = append(kept, sid)
			}
		}
		if len(kept) == len(cp.ScheduleIDs) {
			continue
		}
		cp.ScheduleIDs = kept
		cp.TouchAt(e.now())
		if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

// resyncSubscription pushes local state back onto a subscription changed from
// the provider side. Local state is the source of truth.
func (e *Engine) resyncSubscription(ctx context.Context, evt *provider.Event) error {
	if evt.SubscriptionID == "" {
		return nil
	}
	products, err := e.store.ListCustomerProductsBySubscription(ctx, evt.SubscriptionID)
	if err != nil || len(products) == 0 {
		return err
	}
	if err := e.syncSchedule(ctx, evt.SubscriptionID, products); err != nil {
		return err
	}
	for _, cp := range products {
		cp.TouchAt(e.now())
		if err := e.store.UpdateCustomerProduct(ctx, cp); err != nil {
			return err
		}
		e.cache.Invalidate(ctx, scopeOf(cp))
	}
	return nil
}
