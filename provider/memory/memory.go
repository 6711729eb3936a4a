// Package memory is an in-process provider.Provider for tests and local
// development. It records every billing call and can inject failures.
package memory

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/tally/provider"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// RecordedInvoice pairs the request with the issued invoice.
type RecordedInvoice struct {
	Params  provider.InvoiceParams
	Invoice provider.Invoice
}

type Provider struct {
	mu sync.Mutex

	secret         string
	paymentMethods map[string]string
	subscriptions  map[string]*provider.Subscription
	schedules      map[string]*provider.Schedule
	invoices       []RecordedInvoice
	charges        []provider.ChargeParams
	meterEvents    []provider.MeterEvent
	coupons        map[string]provider.CouponParams

	decline        bool
	failNext       []error
	conflicts      int
	scheduleWrites int
}

// New returns an empty provider verifying webhooks with secret.
func New(secret string) *Provider {
	return &Provider{
		secret:         secret,
		paymentMethods: make(map[string]string),
		subscriptions:  make(map[string]*provider.Subscription),
		schedules:      make(map[string]*provider.Schedule),
		coupons:        make(map[string]provider.CouponParams),
	}
}

func (p *Provider) Name() string { return "memory" }

// ──────────────────────────────────────────────────
// Test controls
// ──────────────────────────────────────────────────

// SetPaymentMethod sets the customer's default payment method.
func (p *Provider) SetPaymentMethod(customerID, paymentMethodID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paymentMethods[customerID] = paymentMethodID
}

// Decline makes every charge and auto-paid invoice fail.
func (p *Provider) Decline(decline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decline = decline
}

// FailNext queues errors returned by the next calls, one per call.
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = append(p.failNext, errs...)
}

// ConflictNext makes the next n schedule writes fail with
// provider.ErrScheduleConflict.
func (p *Provider) ConflictNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflicts = n
}

func (p *Provider) Invoices() []RecordedInvoice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedInvoice(nil), p.invoices...)
}

func (p *Provider) Charges() []provider.ChargeParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChargeParams(nil), p.charges...)
}

func (p *Provider) MeterEvents() []provider.MeterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.MeterEvent(nil), p.meterEvents...)
}

// ScheduleWrites counts successful schedule creates and updates.
func (p *Provider) ScheduleWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduleWrites
}

// Sign returns the signature ConstructEvent accepts for payload.
func (p *Provider) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// popFailure must be called with mu held.
func (p *Provider) popFailure() error {
	if len(p.failNext) == 0 {
		return nil
	}
	err := p.failNext[0]
	p.failNext = p.failNext[1:]
	return err
}

func newID(prefix string) string { return prefix + "_" + uuid.NewString() }

// ──────────────────────────────────────────────────
// Catalog
// ──────────────────────────────────────────────────

func (p *Provider) CreateCustomer(_ context.Context, _ provider.CustomerParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return "", err
	}
	return newID("cus"), nil
}

func (p *Provider) CreateProduct(_ context.Context, _ provider.ProductParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return "", err
	}
	return newID("prod"), nil
}

func (p *Provider) CreatePrice(_ context.Context, _ provider.PriceParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return "", err
	}
	return newID("price"), nil
}

func (p *Provider) CreateCoupon(_ context.Context, params provider.CouponParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return "", err
	}
	cid := newID("coupon")
	p.coupons[cid] = params
	return cid, nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (p *Provider) CreateSubscription(_ context.Context, params provider.SubscriptionParams) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sub := &provider.Subscription{
		ID:                 newID("sub"),
		CustomerID:         params.CustomerID,
		Status:             provider.SubscriptionActive,
		Items:              append([]provider.SubscriptionItem(nil), params.Items...),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		TrialEnd:           params.TrialEnd,
	}
	for i := range sub.Items {
		sub.Items[i].ID = newID("si")
	}
	if params.TrialEnd != nil {
		sub.Status = provider.SubscriptionTrialing
	}
	p.subscriptions[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (p *Provider) GetSubscription(_ context.Context, subscriptionID string) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	cp := *sub
	return &cp, nil
}

func (p *Provider) UpdateSubscription(_ context.Context, subscriptionID string, params provider.SubscriptionUpdate) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	if params.Items != nil {
		sub.Items = append([]provider.SubscriptionItem(nil), params.Items...)
		for i := range sub.Items {
			if sub.Items[i].ID == "" {
				sub.Items[i].ID = newID("si")
			}
		}
	}
	if params.TrialEnd != nil {
		sub.TrialEnd = params.TrialEnd
	}
	if params.CancelAt != nil {
		sub.CancelAt = params.CancelAt
	}
	if params.ClearCancel {
		sub.CancelAt = nil
	}
	cp := *sub
	return &cp, nil
}

func (p *Provider) CancelSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	sub.Status = provider.SubscriptionCanceled
	return nil
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func (p *Provider) GetSchedule(_ context.Context, subscriptionID string) (*provider.Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	for _, s := range p.schedules {
		if s.SubscriptionID == subscriptionID && s.Status == provider.ScheduleActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil //nolint:nilnil // no schedule attached
}

func (p *Provider) CreateSchedule(_ context.Context, params provider.ScheduleParams) (*provider.Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.scheduleWrite(); err != nil {
		return nil, err
	}
	s := &provider.Schedule{
		ID:             newID("sub_sched"),
		SubscriptionID: params.SubscriptionID,
		Status:         provider.ScheduleActive,
		Phases:         params.Phases,
		EndBehavior:    params.EndBehavior,
	}
	p.schedules[s.ID] = s
	if sub, ok := p.subscriptions[params.SubscriptionID]; ok {
		sub.ScheduleID = s.ID
	}
	cp := *s
	return &cp, nil
}

func (p *Provider) UpdateSchedule(_ context.Context, scheduleID string, params provider.ScheduleParams) (*provider.Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schedules[scheduleID]
	if !ok || s.Status != provider.ScheduleActive {
		return nil, fmt.Errorf("%w: schedule %s is not active", provider.ErrScheduleConflict, scheduleID)
	}
	if err := p.scheduleWrite(); err != nil {
		return nil, err
	}
	s.Phases = params.Phases
	s.EndBehavior = params.EndBehavior
	cp := *s
	return &cp, nil
}

// scheduleWrite must be called with mu held.
func (p *Provider) scheduleWrite() error {
	if err := p.popFailure(); err != nil {
		return err
	}
	if p.conflicts > 0 {
		p.conflicts--
		return provider.ErrScheduleConflict
	}
	p.scheduleWrites++
	return nil
}

func (p *Provider) ReleaseSchedule(_ context.Context, scheduleID string) error {
	return p.endSchedule(scheduleID, provider.ScheduleReleased)
}

func (p *Provider) CancelSchedule(_ context.Context, scheduleID string) error {
	return p.endSchedule(scheduleID, provider.ScheduleCanceled)
}

func (p *Provider) endSchedule(scheduleID string, status provider.ScheduleStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return err
	}
	s, ok := p.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("%w: schedule %s", provider.ErrNotFound, scheduleID)
	}
	s.Status = status
	if sub, ok := p.subscriptions[s.SubscriptionID]; ok && sub.ScheduleID == scheduleID {
		sub.ScheduleID = ""
	}
	return nil
}

// ──────────────────────────────────────────────────
// Invoices and payments
// ──────────────────────────────────────────────────

func (p *Provider) CreateInvoice(_ context.Context, params provider.InvoiceParams) (*provider.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	inv := provider.Invoice{ID: newID("in"), Status: provider.InvoiceOpen}
	sum := int64(0)
	for _, l := range params.Lines {
		sum += l.Amount.Amount
	}
	inv.Total.Amount = sum
	inv.Total.Currency = params.Currency
	if params.AutoPay && sum > 0 {
		if _, ok := p.paymentMethods[params.CustomerID]; !ok {
			return nil, provider.ErrPaymentMethodMissing
		}
		if p.decline {
			return nil, provider.ErrPaymentDeclined
		}
		inv.Status = provider.InvoicePaid
	}
	if sum <= 0 {
		inv.Status = provider.InvoicePaid
	}
	p.invoices = append(p.invoices, RecordedInvoice{Params: params, Invoice: inv})
	return &inv, nil
}

func (p *Provider) VoidInvoice(_ context.Context, invoiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return err
	}
	for i := range p.invoices {
		if p.invoices[i].Invoice.ID == invoiceID {
			p.invoices[i].Invoice.Status = provider.InvoiceVoid
			return nil
		}
	}
	return fmt.Errorf("%w: invoice %s", provider.ErrNotFound, invoiceID)
}

func (p *Provider) DefaultPaymentMethod(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return "", err
	}
	pm, ok := p.paymentMethods[customerID]
	if !ok {
		return "", provider.ErrPaymentMethodMissing
	}
	return pm, nil
}

func (p *Provider) Charge(_ context.Context, params provider.ChargeParams) (*provider.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	if p.decline {
		return nil, provider.ErrPaymentDeclined
	}
	p.charges = append(p.charges, params)
	return &provider.Charge{ID: newID("ch"), Amount: params.Amount}, nil
}

func (p *Provider) CreateMeterEvent(_ context.Context, event provider.MeterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return err
	}
	p.meterEvents = append(p.meterEvents, event)
	return nil
}

// ConstructEvent accepts a JSON-encoded provider.Event signed with Sign.
func (p *Provider) ConstructEvent(payload []byte, signature string) (*provider.Event, error) {
	if !hmac.Equal([]byte(p.Sign(payload)), []byte(signature)) {
		return nil, provider.ErrInvalidSignature
	}
	var evt provider.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("memory: decode event: %w", err)
	}
	return &evt, nil
}
