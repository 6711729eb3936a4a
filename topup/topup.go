// Package topup automatically purchases more of a prepaid feature when a
// customer's balance drops below their configured threshold.
package topup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/counter"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/types"
)

// JobKind is the queue job kind handled by the coordinator.
const JobKind = "auto_topup"

var (
	// ErrRateLimited means max_purchases was reached for the interval.
	ErrRateLimited = errors.New("topup: rate limited")
	// ErrNotEligible means the feature has no one-off prepaid entitlement.
	ErrNotEligible = errors.New("topup: feature not eligible")
)

// Outcome is what a trigger did. Only OutcomePurchased changes balance.
type Outcome string

const (
	OutcomePurchased       Outcome = "purchased"
	OutcomeLocked          Outcome = "locked"
	OutcomeDisabled        Outcome = "disabled"
	OutcomeNotEligible     Outcome = "not_eligible"
	OutcomeAboveThreshold  Outcome = "above_threshold"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeNoPaymentMethod Outcome = "no_payment_method"
	OutcomeDeclined        Outcome = "declined"
)

// Request asks for a top-up check of one feature.
type Request struct {
	Scope      customer.Scope `json:"scope"`
	FeatureKey string         `json:"feature_key"`
}

// Target is the purchasable state of a feature.
type Target struct {
	Balance decimal.Decimal
	// PackPrice is charged per BillingUnits units.
	PackPrice    types.Money
	BillingUnits decimal.Decimal
}

// Ledger is the balance side the coordinator reads and credits.
type Ledger interface {
	// Target returns ErrNotEligible unless the feature has a one-off
	// prepaid entitlement in scope.
	Target(ctx context.Context, scope customer.Scope, featureKey string) (*Target, error)
	// Credit adds quantity under the balance lock and returns the new
	// balance.
	Credit(ctx context.Context, scope customer.Scope, featureKey string, quantity decimal.Decimal, ref string) (decimal.Decimal, error)
}

// Customers reads the current customer record.
type Customers interface {
	GetCustomer(ctx context.Context, customerID id.CustomerID) (*customer.Customer, error)
}

// Result reports a trigger.
type Result struct {
	Outcome  Outcome          `json:"outcome"`
	TopupID  id.TopupID       `json:"topup_id,omitempty"`
	Charged  types.Money      `json:"charged"`
	Credited decimal.Decimal  `json:"credited"`
	Balance  *decimal.Decimal `json:"balance,omitempty"`
}

// CallFunc runs one provider operation. It may bound fn with a deadline
// and observe its result.
type CallFunc func(ctx context.Context, op string, fn func(ctx context.Context) error) error

func direct(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Coordinator runs auto top-ups. Concurrent triggers for the same
// (customer, feature) collapse into one through an outer try-lock; the
// balance lock is only taken by Ledger.Credit.
type Coordinator struct {
	customers Customers
	ledger    Ledger
	provider  provider.Provider
	locker    lock.Locker
	counter   counter.Counter
	call      CallFunc
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithProviderCall routes every provider request through call.
func WithProviderCall(call CallFunc) Option {
	return func(c *Coordinator) { c.call = call }
}

// New creates a Coordinator.
func New(customers Customers, ledger Ledger, p provider.Provider, locker lock.Locker, ctr counter.Counter, opts ...Option) *Coordinator {
	c := &Coordinator{
		customers: customers,
		ledger:    ledger,
		provider:  p,
		locker:    locker,
		counter:   ctr,
		call:      direct,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CounterKey is the rolling purchase counter of a (customer, feature).
// It is independent of the customer record and survives its deletion.
func CounterKey(scope customer.Scope, featureKey string) string {
	return fmt.Sprintf("auto_topup_count:%s:%s:%s:%s", scope.OrgID, scope.Env, scope.CustomerID, featureKey)
}

func lockKey(scope customer.Scope, featureKey string) string {
	return fmt.Sprintf("auto_topup:%s:%s:%s:%s", scope.OrgID, scope.Env, scope.CustomerID, featureKey)
}

// Trigger checks the configuration and purchases when due. Missing payment
// methods, declines, rate limits and concurrent triggers are not errors;
// they are reported through Result.Outcome and leave balances unchanged.
func (c *Coordinator) Trigger(ctx context.Context, req Request) (*Result, error) {
	log := c.logger.With("customer_id", req.Scope.CustomerID.String(), "feature", req.FeatureKey)

	unlock, err := c.locker.TryLock(ctx, lockKey(req.Scope, req.FeatureKey))
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debug("auto top-up already running")
		return &Result{Outcome: OutcomeLocked}, nil
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The config is read now, not when usage was recorded.
	cus, err := c.customers.GetCustomer(ctx, req.Scope.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("topup: load customer: %w", err)
	}
	cfg, ok := cus.AutoTopup(req.FeatureKey)
	if !ok || !cfg.Enabled {
		return &Result{Outcome: OutcomeDisabled}, nil
	}

	target, err := c.ledger.Target(ctx, req.Scope, req.FeatureKey)
	if errors.Is(err, ErrNotEligible) {
		return &Result{Outcome: OutcomeNotEligible}, nil
	}
	if err != nil {
		return nil, err
	}
	if !target.Balance.LessThan(cfg.Threshold) {
		return &Result{Outcome: OutcomeAboveThreshold, Balance: &target.Balance}, nil
	}

	key := CounterKey(req.Scope, req.FeatureKey)
	if m := cfg.MaxPurchases; m != nil {
		n, err := c.counter.GetCounter(ctx, key)
		if err != nil {
			return nil, err
		}
		if n >= m.Limit {
			log.Info("auto top-up rate limited", "purchases", n, "limit", m.Limit, "interval", m.Interval)
			return &Result{Outcome: OutcomeRateLimited}, nil
		}
	}

	var pm string
	err = c.call(ctx, "default_payment_method", func(ctx context.Context) error {
		var err error
		pm, err = c.provider.DefaultPaymentMethod(ctx, cus.ProviderID)
		return err
	})
	if errors.Is(err, provider.ErrPaymentMethodMissing) {
		log.Info("auto top-up skipped, no payment method")
		return &Result{Outcome: OutcomeNoPaymentMethod}, nil
	}
	if err != nil {
		return nil, err
	}

	topupID := id.NewTopupID()
	amount := target.PackPrice.MultiplyDecimal(proration.Packs(cfg.Quantity, decimal.Zero, target.BillingUnits))
	if amount.IsPositive() {
		params := provider.ChargeParams{
			CustomerID:      cus.ProviderID,
			PaymentMethodID: pm,
			Amount:          amount,
			Description:     fmt.Sprintf("Auto top-up: %s %s", cfg.Quantity, req.FeatureKey),
			IdempotencyKey:  topupID.String(),
			Metadata:        map[string]string{"topup_id": topupID.String(), "feature": req.FeatureKey},
		}
		err = c.call(ctx, "charge", func(ctx context.Context) error {
			_, err := c.provider.Charge(ctx, params)
			return err
		})
		if errors.Is(err, provider.ErrPaymentDeclined) {
			log.Info("auto top-up declined", "amount", amount.String())
			return &Result{Outcome: OutcomeDeclined, TopupID: topupID}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if m := cfg.MaxPurchases; m != nil {
		if _, err := c.counter.IncrementCounter(ctx, key, m.Interval.TTL(c.now())); err != nil {
			log.Warn("auto top-up counter increment failed", "error", err)
		}
	}

	balance, err := c.ledger.Credit(ctx, req.Scope, req.FeatureKey, cfg.Quantity, topupID.String())
	if err != nil {
		log.Error("auto top-up charged but credit failed", "topup_id", topupID.String(), "error", err)
		return nil, fmt.Errorf("topup: credit %s: %w", topupID, err)
	}

	if balance.LessThan(cfg.Threshold) {
		log.Warn("auto top-up left balance below threshold",
			"reason", "quantity_below_threshold",
			"balance", balance.String(),
			"threshold", cfg.Threshold.String(),
		)
	}

	log.Info("auto top-up purchased", "topup_id", topupID.String(), "quantity", cfg.Quantity.String(), "amount", amount.String())
	return &Result{
		Outcome:  OutcomePurchased,
		TopupID:  topupID,
		Charged:  amount,
		Credited: cfg.Quantity,
		Balance:  &balance,
	}, nil
}

// DecodeJob extracts the request from a JobKind job. ok is false for
// jobs of any other kind.
func DecodeJob(job queue.Job) (req Request, ok bool, err error) {
	if job.Kind != JobKind {
		return Request{}, false, nil
	}
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return Request{}, true, fmt.Errorf("topup: decode job %s: %w", job.ID, err)
	}
	return req, true, nil
}

// HandleJob is the queue.Handler for a coordinator running outside the
// engine. Jobs of other kinds are acknowledged and dropped.
func (c *Coordinator) HandleJob(ctx context.Context, job queue.Job) error {
	req, ok, err := DecodeJob(job)
	if !ok || err != nil {
		return err
	}
	_, err = c.Trigger(ctx, req)
	return err
}
