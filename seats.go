package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/subscription"
)

// ──────────────────────────────────────────────────
// Allocated seats
// ──────────────────────────────────────────────────

// The option quantity of an allocated item is the seat count billed for
// the current period. It follows the seats in use: every balance change
// on an allocated entitlement reprices the difference.

// seatBill is the repriced seat state of one customer product.
type seatBill struct {
	cp    *subscription.CustomerProduct
	lines []invoice.LineItem
	// billed is set when the billed seat count changed and the provider
	// subscription needs the new quantities.
	billed bool
	listed bool
}

// repriceSeats moves the billed seat count of every allocated entitlement
// in changed to the seats now in use and prices the move under the item's
// proration policy. Callers hold the balance lock and persist the returned
// products before settling them.
func (e *Engine) repriceSeats(changed []*entitlement.CustomerEntitlement, v view, now time.Time) ([]*seatBill, error) {
	byProduct := make(map[id.CustomerProductID]*seatBill)
	var out []*seatBill
	for _, ce := range changed {
		if ce.Model != product.ModelAllocated || ce.Unlimited {
			continue
		}
		b, ok := byProduct[ce.CustomerProductID]
		if !ok {
			cp := v.product(ce.CustomerProductID)
			if cp == nil || !cp.Status.IsRelevant() {
				continue
			}
			b = &seatBill{cp: cloneProduct(cp)}
			byProduct[cp.ID] = b
		}
		moved, err := repriceSeat(b, ce, now)
		if err != nil {
			return nil, err
		}
		if moved && !b.listed {
			b.listed = true
			out = append(out, b)
		}
	}
	return out, nil
}

// repriceSeat reprices one allocated entitlement of b.cp. It reports
// whether the option changed.
func repriceSeat(b *seatBill, ce *entitlement.CustomerEntitlement, now time.Time) (bool, error) {
	cp := b.cp
	it, ok := cp.Item(ce.ItemID)
	if !ok || it.Feature == nil {
		return false, nil
	}
	key := it.Feature.FeatureKey
	used := decimal.Max(decimal.Zero, ce.Usage())
	opt, _ := cp.Option(key)

	if used.Equal(opt.Quantity) {
		if opt.UpcomingQuantity == nil {
			return false, nil
		}
		// Back to the billed count before a deferred decrease applied.
		cp.SetOption(subscription.Option{FeatureKey: key, Quantity: used})
		return true, nil
	}
	if cp.InTrial(now) {
		cp.SetOption(subscription.Option{FeatureKey: key, Quantity: used})
		b.billed = true
		return true, nil
	}

	cycle := proration.Cycle{Now: now}
	if it.Feature.BillingInterval.IsRecurring() {
		cycle.Period = cp.Period()
	}
	delta, err := proration.ComputeDelta(it.ProrationConfig(opt.Quantity), it.ProrationConfig(used), cycle)
	if err != nil {
		return false, fmt.Errorf("tally: price seats of %s: %w", key, err)
	}
	if delta.DeferQuantity {
		q := used
		cp.SetOption(subscription.Option{FeatureKey: key, Quantity: opt.Quantity, UpcomingQuantity: &q})
		return true, nil
	}

	cp.SetOption(subscription.Option{FeatureKey: key, Quantity: used})
	b.billed = true
	if !delta.Now.IsZero() {
		b.lines = append(b.lines, invoice.LineItem{
			CustomerProductID: cp.ID,
			FeatureKey:        key,
			Description:       fmt.Sprintf("Proration: %s seats %s → %s", key, opt.Quantity, used),
			Quantity:          1,
			Amount:            inCurrency(delta.Now, cp.Currency),
			Type:              invoice.LineItemProration,
		})
	}
	if !delta.NextCycle.IsZero() {
		addNextCycle(cp, key, inCurrency(delta.NextCycle, cp.Currency))
	}
	return true, nil
}

// saveSeats persists repriced products and returns the ones saved. A
// product that fails to save keeps its old seat count, and the next
// balance change reprices from there.
func (e *Engine) saveSeats(ctx context.Context, bills []*seatBill, now time.Time) []*seatBill {
	saved := bills[:0]
	for _, b := range bills {
		b.cp.TouchAt(now)
		if err := e.store.UpdateCustomerProduct(ctx, b.cp); err != nil {
			e.logger.Error("seat count not saved",
				"customer_product_id", b.cp.ID.String(),
				"error", err,
			)
			continue
		}
		saved = append(saved, b)
	}
	return saved
}

// settleSeats invoices repriced seats and moves the provider subscription
// to the new seat counts. Failures are recorded on the invoice or logged;
// the balance change that caused them stands.
func (e *Engine) settleSeats(ctx context.Context, bills []*seatBill) {
	for _, b := range bills {
		subID := firstOf(b.cp.SubscriptionIDs)
		if len(b.lines) > 0 {
			e.billArrears(ctx, scopeOf(b.cp), b.cp, invoice.ReasonUpdate, b.lines, subID)
		}
		if b.billed && subID != "" && e.provider != nil {
			e.pushQuantities(ctx, b.cp, subID)
		}
		e.plugins.EmitSubscriptionUpdated(ctx, b.cp)
	}
}

// carrySeats sets the seat count of cp's allocated items to the seats held
// on the product it replaces, so the attach prices the seats it inherits.
func carrySeats(cp *subscription.CustomerProduct, prev []*entitlement.CustomerEntitlement, features map[string]*feature.Feature) {
	for _, it := range cp.Items {
		if it.Kind != product.KindFeature || it.Feature.Model != product.ModelAllocated {
			continue
		}
		key := it.Feature.FeatureKey
		if f, ok := features[key]; !ok || !f.IsContinuous() {
			continue
		}
		for _, ce := range prev {
			if ce.FeatureKey == key && !ce.Unlimited {
				cp.SetOption(subscription.Option{FeatureKey: key, Quantity: decimal.Max(decimal.Zero, ce.Usage())})
				break
			}
		}
	}
}
