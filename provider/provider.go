// Package provider is the payment provider abstraction the engine bills
// through. Concrete adapters live in sub-packages.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tally/types"
)

var (
	ErrPaymentMethodMissing = errors.New("provider: payment method missing")
	ErrPaymentDeclined      = errors.New("provider: payment declined")
	// ErrProviderUnavailable covers network failures and timeouts; the
	// call may be retried.
	ErrProviderUnavailable = errors.New("provider: unavailable")
	// ErrScheduleConflict means the live schedule no longer has the shape
	// the request was built against.
	ErrScheduleConflict = errors.New("provider: schedule conflict")
	ErrNotFound         = errors.New("provider: not found")
	ErrInvalidSignature = errors.New("provider: invalid webhook signature")
)

// Provider is everything the engine needs from a payment provider.
type Provider interface {
	Name() string

	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateProduct(ctx context.Context, params ProductParams) (string, error)
	CreatePrice(ctx context.Context, params PriceParams) (string, error)

	CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, params SubscriptionUpdate) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// GetSchedule returns the schedule attached to a subscription, or nil
	// when there is none.
	GetSchedule(ctx context.Context, subscriptionID string) (*Schedule, error)
	CreateSchedule(ctx context.Context, params ScheduleParams) (*Schedule, error)
	UpdateSchedule(ctx context.Context, scheduleID string, params ScheduleParams) (*Schedule, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error
	CancelSchedule(ctx context.Context, scheduleID string) error

	// CreateInvoice creates, finalizes and, when AutoPay is set, pays an
	// invoice. A negative total is issued as a credit.
	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) error

	DefaultPaymentMethod(ctx context.Context, customerID string) (string, error)
	Charge(ctx context.Context, params ChargeParams) (*Charge, error)

	CreateCoupon(ctx context.Context, params CouponParams) (string, error)
	CreateMeterEvent(ctx context.Context, event MeterEvent) error

	// ConstructEvent verifies a webhook payload signature and decodes it.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}

type CustomerParams struct {
	Name     string
	Email    string
	Metadata map[string]string
}

type ProductParams struct {
	Name     string
	Metadata map[string]string
}

type PriceParams struct {
	ProductID string
	Amount    types.Money
	Interval  types.Interval
	// Metered prices are billed from meter events.
	Metered  bool
	Metadata map[string]string
}

type SubscriptionItem struct {
	ID            string `json:"id,omitempty"`
	PriceID       string `json:"price_id"`
	Quantity      int64  `json:"quantity"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type SubscriptionParams struct {
	CustomerID string
	Items      []SubscriptionItem
	TrialEnd   *time.Time
	Metadata   map[string]string
}

type SubscriptionUpdate struct {
	Items    []SubscriptionItem
	TrialEnd *time.Time
	CancelAt *time.Time
	// ClearCancel removes a pending cancel_at.
	ClearCancel bool
	// ProrationBehavior is passed through to the provider.
	ProrationBehavior string
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	Status             SubscriptionStatus `json:"status"`
	Items              []SubscriptionItem `json:"items"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAt           *time.Time         `json:"cancel_at,omitempty"`
	ScheduleID         string             `json:"schedule_id,omitempty"`
}

// EndBehavior is what happens to the subscription after the last phase.
type EndBehavior string

const (
	EndRelease EndBehavior = "release"
	EndCancel  EndBehavior = "cancel"
)

type PhaseItem struct {
	PriceID       string `json:"price_id"`
	Quantity      int64  `json:"quantity"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type SchedulePhase struct {
	StartDate time.Time   `json:"start_date"`
	EndDate   *time.Time  `json:"end_date,omitempty"`
	Items     []PhaseItem `json:"items"`
	TrialEnd  *time.Time  `json:"trial_end,omitempty"`
}

type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	ScheduleReleased ScheduleStatus = "released"
	ScheduleCanceled ScheduleStatus = "canceled"
)

type Schedule struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Status         ScheduleStatus  `json:"status"`
	Phases         []SchedulePhase `json:"phases"`
	EndBehavior    EndBehavior     `json:"end_behavior"`
}

type ScheduleParams struct {
	SubscriptionID string
	Phases         []SchedulePhase
	EndBehavior    EndBehavior
}

type InvoiceLine struct {
	Description string      `json:"description"`
	Amount      types.Money `json:"amount"`
	PriceID     string      `json:"price_id,omitempty"`
	Quantity    int64       `json:"quantity"`
}

type InvoiceParams struct {
	CustomerID     string
	SubscriptionID string
	Currency       string
	Lines          []InvoiceLine
	CouponID       string
	AutoPay        bool
	Metadata       map[string]string
}

type InvoiceStatus string

const (
	InvoiceOpen   InvoiceStatus = "open"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoid   InvoiceStatus = "void"
	InvoiceDraft  InvoiceStatus = "draft"
	InvoiceUnpaid InvoiceStatus = "uncollectible"
)

type Invoice struct {
	ID     string        `json:"id"`
	Status InvoiceStatus `json:"status"`
	Total  types.Money   `json:"total"`
}

type ChargeParams struct {
	CustomerID      string
	PaymentMethodID string
	Amount          types.Money
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

type Charge struct {
	ID     string      `json:"id"`
	Amount types.Money `json:"amount"`
}

type CouponParams struct {
	Code       string
	Name       string
	AmountOff  *types.Money
	PercentOff int
}

// MeterEvent reports consumable usage for arrear billing.
type MeterEvent struct {
	SubscriptionItemID string
	CustomerID         string
	EventName          string
	Value              int64
	Timestamp          time.Time
	IdempotencyKey     string
}

// Event types the engine reacts to.
const (
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventScheduleReleased     = "subscription_schedule.released"
	EventScheduleCanceled     = "subscription_schedule.canceled"
	EventScheduleUpdated      = "subscription_schedule.updated"
)

// Event is a verified webhook event.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
}
