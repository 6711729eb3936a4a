// Package stripe adapts Stripe to provider.Provider.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/types"
)

// correlationKey is the item metadata key used to match inline prices.
const correlationKey = "tally_correlation_id"

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

type Provider struct {
	api           *client.API
	webhookSecret string
}

// New creates a Stripe provider from a secret key and webhook signing
// secret.
func New(secretKey, webhookSecret string) *Provider {
	var api client.API
	api.Init(secretKey, nil)
	return &Provider{api: &api, webhookSecret: webhookSecret}
}

// NewWithClient wraps an initialized client.
func NewWithClient(api *client.API, webhookSecret string) *Provider {
	return &Provider{api: api, webhookSecret: webhookSecret}
}

func (p *Provider) Name() string { return "stripe" }

// mapError translates Stripe errors into provider sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	switch {
	case stripeErr.Type == stripego.ErrorTypeCard:
		return fmt.Errorf("%w: %s", provider.ErrPaymentDeclined, stripeErr.Msg)
	case stripeErr.Code == stripego.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", provider.ErrNotFound, stripeErr.Msg)
	case stripeErr.Type == stripego.ErrorTypeAPI || stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429:
		return fmt.Errorf("%w: %s", provider.ErrProviderUnavailable, stripeErr.Msg)
	default:
		return fmt.Errorf("stripe: %w", err)
	}
}

// mapScheduleError additionally treats invalid requests as drift.
func mapScheduleError(err error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripego.ErrorTypeInvalidRequest && stripeErr.Code != stripego.ErrorCodeResourceMissing {
		return fmt.Errorf("%w: %s", provider.ErrScheduleConflict, stripeErr.Msg)
	}
	return mapError(err)
}

func unix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	return stripego.Int64(t.Unix())
}

func fromUnix(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

// ──────────────────────────────────────────────────
// Catalog
// ──────────────────────────────────────────────────

func (p *Provider) CreateCustomer(ctx context.Context, params provider.CustomerParams) (string, error) {
	cp := &stripego.CustomerParams{Name: stripego.String(params.Name)}
	cp.Context = ctx
	if params.Email != "" {
		cp.Email = stripego.String(params.Email)
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}
	c, err := p.api.Customers.New(cp)
	if err != nil {
		return "", mapError(err)
	}
	return c.ID, nil
}

func (p *Provider) CreateProduct(ctx context.Context, params provider.ProductParams) (string, error) {
	pp := &stripego.ProductParams{Name: stripego.String(params.Name)}
	pp.Context = ctx
	for k, v := range params.Metadata {
		pp.AddMetadata(k, v)
	}
	prod, err := p.api.Products.New(pp)
	if err != nil {
		return "", mapError(err)
	}
	return prod.ID, nil
}

func (p *Provider) CreatePrice(ctx context.Context, params provider.PriceParams) (string, error) {
	pp := &stripego.PriceParams{
		Product:    stripego.String(params.ProductID),
		UnitAmount: stripego.Int64(params.Amount.Amount),
		Currency:   stripego.String(params.Amount.Currency),
	}
	pp.Context = ctx
	if params.Interval.IsRecurring() {
		interval, count := recurring(params.Interval)
		pp.Recurring = &stripego.PriceRecurringParams{
			Interval:      stripego.String(interval),
			IntervalCount: stripego.Int64(count),
		}
		if params.Metered {
			pp.Recurring.UsageType = stripego.String(string(stripego.PriceRecurringUsageTypeMetered))
		}
	}
	for k, v := range params.Metadata {
		pp.AddMetadata(k, v)
	}
	price, err := p.api.Prices.New(pp)
	if err != nil {
		return "", mapError(err)
	}
	return price.ID, nil
}

func recurring(i types.Interval) (string, int64) {
	switch i {
	case types.IntervalDay:
		return "day", 1
	case types.IntervalWeek:
		return "week", 1
	case types.IntervalQuarter:
		return "month", 3
	case types.IntervalSemiAnnual:
		return "month", 6
	case types.IntervalYear:
		return "year", 1
	default:
		return "month", 1
	}
}

func (p *Provider) CreateCoupon(ctx context.Context, params provider.CouponParams) (string, error) {
	cp := &stripego.CouponParams{
		Name:     stripego.String(params.Name),
		Duration: stripego.String(string(stripego.CouponDurationOnce)),
	}
	cp.Context = ctx
	if params.Code != "" {
		cp.ID = stripego.String(params.Code)
	}
	switch {
	case params.AmountOff != nil:
		cp.AmountOff = stripego.Int64(params.AmountOff.Amount)
		cp.Currency = stripego.String(params.AmountOff.Currency)
	case params.PercentOff > 0:
		cp.PercentOff = stripego.Float64(float64(params.PercentOff))
	}
	c, err := p.api.Coupons.New(cp)
	if err != nil {
		return "", mapError(err)
	}
	return c.ID, nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func itemParams(items []provider.SubscriptionItem) []*stripego.SubscriptionItemsParams {
	out := make([]*stripego.SubscriptionItemsParams, 0, len(items))
	for _, it := range items {
		ip := &stripego.SubscriptionItemsParams{Price: stripego.String(it.PriceID)}
		if it.ID != "" {
			ip.ID = stripego.String(it.ID)
		}
		if it.Quantity > 0 {
			ip.Quantity = stripego.Int64(it.Quantity)
		}
		if it.CorrelationID != "" {
			ip.Metadata = map[string]string{correlationKey: it.CorrelationID}
		}
		out = append(out, ip)
	}
	return out
}

func toSubscription(s *stripego.Subscription) *provider.Subscription {
	out := &provider.Subscription{
		ID:                 s.ID,
		Status:             provider.SubscriptionStatus(s.Status),
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		TrialEnd:           fromUnix(s.TrialEnd),
		CancelAt:           fromUnix(s.CancelAt),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Schedule != nil {
		out.ScheduleID = s.Schedule.ID
	}
	if s.Items != nil {
		for _, it := range s.Items.Data {
			si := provider.SubscriptionItem{ID: it.ID, Quantity: it.Quantity, CorrelationID: it.Metadata[correlationKey]}
			if it.Price != nil {
				si.PriceID = it.Price.ID
			}
			out.Items = append(out.Items, si)
		}
	}
	return out
}

func (p *Provider) CreateSubscription(ctx context.Context, params provider.SubscriptionParams) (*provider.Subscription, error) {
	sp := &stripego.SubscriptionParams{
		Customer: stripego.String(params.CustomerID),
		Items:    itemParams(params.Items),
		TrialEnd: unix(params.TrialEnd),
	}
	sp.Context = ctx
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}
	s, err := p.api.Subscriptions.New(sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(s), nil
}

func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	sp := &stripego.SubscriptionParams{}
	sp.Context = ctx
	s, err := p.api.Subscriptions.Get(subscriptionID, sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(s), nil
}

func (p *Provider) UpdateSubscription(ctx context.Context, subscriptionID string, params provider.SubscriptionUpdate) (*provider.Subscription, error) {
	sp := &stripego.SubscriptionParams{TrialEnd: unix(params.TrialEnd), CancelAt: unix(params.CancelAt)}
	sp.Context = ctx
	if params.Items != nil {
		sp.Items = itemParams(params.Items)
	}
	if params.ClearCancel {
		sp.AddExtra("cancel_at", "")
	}
	if params.ProrationBehavior != "" {
		sp.ProrationBehavior = stripego.String(params.ProrationBehavior)
	}
	s, err := p.api.Subscriptions.Update(subscriptionID, sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(s), nil
}

func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	cp := &stripego.SubscriptionCancelParams{}
	cp.Context = ctx
	_, err := p.api.Subscriptions.Cancel(subscriptionID, cp)
	return mapError(err)
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func toSchedule(s *stripego.SubscriptionSchedule) *provider.Schedule {
	out := &provider.Schedule{
		ID:          s.ID,
		Status:      provider.ScheduleStatus(s.Status),
		EndBehavior: provider.EndBehavior(s.EndBehavior),
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	for _, ph := range s.Phases {
		phase := provider.SchedulePhase{
			StartDate: time.Unix(ph.StartDate, 0).UTC(),
			EndDate:   fromUnix(ph.EndDate),
			TrialEnd:  fromUnix(ph.TrialEnd),
		}
		for _, it := range ph.Items {
			item := provider.PhaseItem{Quantity: it.Quantity, CorrelationID: it.Metadata[correlationKey]}
			if it.Price != nil {
				item.PriceID = it.Price.ID
			}
			phase.Items = append(phase.Items, item)
		}
		out.Phases = append(out.Phases, phase)
	}
	return out
}

func phaseParams(phases []provider.SchedulePhase) []*stripego.SubscriptionSchedulePhaseParams {
	out := make([]*stripego.SubscriptionSchedulePhaseParams, 0, len(phases))
	for _, ph := range phases {
		pp := &stripego.SubscriptionSchedulePhaseParams{
			StartDate: stripego.Int64(ph.StartDate.Unix()),
			EndDate:   unix(ph.EndDate),
			TrialEnd:  unix(ph.TrialEnd),
		}
		for _, it := range ph.Items {
			ip := &stripego.SubscriptionSchedulePhaseItemParams{Price: stripego.String(it.PriceID)}
			if it.Quantity > 0 {
				ip.Quantity = stripego.Int64(it.Quantity)
			}
			if it.CorrelationID != "" {
				ip.Metadata = map[string]string{correlationKey: it.CorrelationID}
			}
			pp.Items = append(pp.Items, ip)
		}
		out = append(out, pp)
	}
	return out
}

func (p *Provider) GetSchedule(ctx context.Context, subscriptionID string) (*provider.Schedule, error) {
	sub, err := p.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.ScheduleID == "" {
		return nil, nil //nolint:nilnil // no schedule attached
	}
	sp := &stripego.SubscriptionScheduleParams{}
	sp.Context = ctx
	s, err := p.api.SubscriptionSchedules.Get(sub.ScheduleID, sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSchedule(s), nil
}

// CreateSchedule creates the schedule from the live subscription and then
// writes the phases; Stripe rejects phases on a from_subscription create.
func (p *Provider) CreateSchedule(ctx context.Context, params provider.ScheduleParams) (*provider.Schedule, error) {
	sp := &stripego.SubscriptionScheduleParams{FromSubscription: stripego.String(params.SubscriptionID)}
	sp.Context = ctx
	s, err := p.api.SubscriptionSchedules.New(sp)
	if err != nil {
		return nil, mapScheduleError(err)
	}
	return p.UpdateSchedule(ctx, s.ID, params)
}

func (p *Provider) UpdateSchedule(ctx context.Context, scheduleID string, params provider.ScheduleParams) (*provider.Schedule, error) {
	sp := &stripego.SubscriptionScheduleParams{
		EndBehavior:       stripego.String(string(params.EndBehavior)),
		Phases:            phaseParams(params.Phases),
		ProrationBehavior: stripego.String(string(stripego.SubscriptionSchedulePhaseProrationBehaviorNone)),
	}
	sp.Context = ctx
	s, err := p.api.SubscriptionSchedules.Update(scheduleID, sp)
	if err != nil {
		return nil, mapScheduleError(err)
	}
	return toSchedule(s), nil
}

func (p *Provider) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	rp := &stripego.SubscriptionScheduleReleaseParams{}
	rp.Context = ctx
	_, err := p.api.SubscriptionSchedules.Release(scheduleID, rp)
	return mapScheduleError(err)
}

func (p *Provider) CancelSchedule(ctx context.Context, scheduleID string) error {
	cp := &stripego.SubscriptionScheduleCancelParams{}
	cp.Context = ctx
	_, err := p.api.SubscriptionSchedules.Cancel(scheduleID, cp)
	return mapScheduleError(err)
}

// ──────────────────────────────────────────────────
// Invoices and payments
// ──────────────────────────────────────────────────

func (p *Provider) CreateInvoice(ctx context.Context, params provider.InvoiceParams) (*provider.Invoice, error) {
	ip := &stripego.InvoiceParams{
		Customer:                    stripego.String(params.CustomerID),
		Currency:                    stripego.String(params.Currency),
		AutoAdvance:                 stripego.Bool(false),
		CollectionMethod:            stripego.String(string(stripego.InvoiceCollectionMethodChargeAutomatically)),
		PendingInvoiceItemsBehavior: stripego.String("exclude"),
	}
	ip.Context = ctx
	if params.SubscriptionID != "" {
		ip.Subscription = stripego.String(params.SubscriptionID)
	}
	if params.CouponID != "" {
		ip.Discounts = []*stripego.InvoiceDiscountParams{{Coupon: stripego.String(params.CouponID)}}
	}
	for k, v := range params.Metadata {
		ip.AddMetadata(k, v)
	}
	inv, err := p.api.Invoices.New(ip)
	if err != nil {
		return nil, mapError(err)
	}

	for _, line := range params.Lines {
		iip := &stripego.InvoiceItemParams{
			Customer:    stripego.String(params.CustomerID),
			Invoice:     stripego.String(inv.ID),
			Amount:      stripego.Int64(line.Amount.Amount),
			Currency:    stripego.String(line.Amount.Currency),
			Description: stripego.String(line.Description),
		}
		iip.Context = ctx
		if _, err := p.api.InvoiceItems.New(iip); err != nil {
			_ = p.VoidInvoice(ctx, inv.ID) //nolint:errcheck // best-effort cleanup of a half-built draft
			return nil, mapError(err)
		}
	}

	fp := &stripego.InvoiceFinalizeInvoiceParams{}
	fp.Context = ctx
	inv, err = p.api.Invoices.FinalizeInvoice(inv.ID, fp)
	if err != nil {
		return nil, mapError(err)
	}

	if params.AutoPay && inv.AmountDue > 0 {
		pp := &stripego.InvoicePayParams{}
		pp.Context = ctx
		paid, err := p.api.Invoices.Pay(inv.ID, pp)
		if err != nil {
			_ = p.VoidInvoice(ctx, inv.ID) //nolint:errcheck // unpaid invoice must not linger
			return nil, mapError(err)
		}
		inv = paid
	}

	return &provider.Invoice{
		ID:     inv.ID,
		Status: provider.InvoiceStatus(inv.Status),
		Total:  types.Money{Amount: inv.Total, Currency: strings.ToLower(string(inv.Currency))},
	}, nil
}

func (p *Provider) VoidInvoice(ctx context.Context, invoiceID string) error {
	vp := &stripego.InvoiceVoidInvoiceParams{}
	vp.Context = ctx
	_, err := p.api.Invoices.VoidInvoice(invoiceID, vp)
	return mapError(err)
}

func (p *Provider) DefaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	cp := &stripego.CustomerParams{}
	cp.Context = ctx
	c, err := p.api.Customers.Get(customerID, cp)
	if err != nil {
		return "", mapError(err)
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		return c.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}

	lp := &stripego.PaymentMethodListParams{Customer: stripego.String(customerID)}
	lp.Context = ctx
	iter := p.api.PaymentMethods.List(lp)
	for iter.Next() {
		return iter.PaymentMethod().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", mapError(err)
	}
	return "", provider.ErrPaymentMethodMissing
}

func (p *Provider) Charge(ctx context.Context, params provider.ChargeParams) (*provider.Charge, error) {
	pp := &stripego.PaymentIntentParams{
		Amount:        stripego.Int64(params.Amount.Amount),
		Currency:      stripego.String(params.Amount.Currency),
		Customer:      stripego.String(params.CustomerID),
		PaymentMethod: stripego.String(params.PaymentMethodID),
		Confirm:       stripego.Bool(true),
		OffSession:    stripego.Bool(true),
		Description:   stripego.String(params.Description),
	}
	pp.Context = ctx
	if params.IdempotencyKey != "" {
		pp.IdempotencyKey = stripego.String(params.IdempotencyKey)
	}
	for k, v := range params.Metadata {
		pp.AddMetadata(k, v)
	}
	pi, err := p.api.PaymentIntents.New(pp)
	if err != nil {
		return nil, mapError(err)
	}
	if pi.Status != stripego.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s is %s", provider.ErrPaymentDeclined, pi.ID, pi.Status)
	}
	return &provider.Charge{ID: pi.ID, Amount: params.Amount}, nil
}

func (p *Provider) CreateMeterEvent(ctx context.Context, event provider.MeterEvent) error {
	up := &stripego.UsageRecordParams{
		SubscriptionItem: stripego.String(event.SubscriptionItemID),
		Quantity:         stripego.Int64(event.Value),
		Timestamp:        stripego.Int64(event.Timestamp.Unix()),
		Action:           stripego.String(stripego.UsageRecordActionIncrement),
	}
	up.Context = ctx
	if event.IdempotencyKey != "" {
		up.IdempotencyKey = stripego.String(event.IdempotencyKey)
	}
	_, err := p.api.UsageRecords.New(up)
	return mapError(err)
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

// ConstructEvent verifies the Stripe-Signature header and extracts the ids
// the engine routes on.
func (p *Provider) ConstructEvent(payload []byte, signature string) (*provider.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidSignature, err)
	}

	out := &provider.Event{ID: event.ID, Type: string(event.Type)}
	switch {
	case strings.HasPrefix(out.Type, "invoice."):
		var inv stripego.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		out.InvoiceID = inv.ID
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerID = inv.Customer.ID
		}
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripego.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		out.SubscriptionID = sub.ID
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
	case strings.HasPrefix(out.Type, "subscription_schedule."):
		var sched stripego.SubscriptionSchedule
		if err := json.Unmarshal(event.Data.Raw, &sched); err != nil {
			return nil, fmt.Errorf("stripe: decode schedule: %w", err)
		}
		out.ScheduleID = sched.ID
		if sched.Subscription != nil {
			out.SubscriptionID = sched.Subscription.ID
		}
	}
	return out, nil
}
