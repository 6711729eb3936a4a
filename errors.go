package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Catalog errors
	ErrFeatureNotFound = errors.New("tally: feature not found")
	ErrFeatureArchived = errors.New("tally: feature is archived")
	ErrProductNotFound = errors.New("tally: product not found")
	ErrProductArchived = errors.New("tally: product is archived")
	ErrInvalidItem     = product.ErrInvalidItem
	ErrUnknownFeature  = product.ErrUnknownFeature

	// Customer errors
	ErrCustomerNotFound = errors.New("tally: customer not found")
	ErrEntityNotFound   = errors.New("tally: entity not found")
	ErrInvalidAutoTopup = customer.ErrInvalidAutoTopup

	// Subscription errors
	ErrCustomerProductNotFound = errors.New("tally: customer product not found")
	ErrAlreadyAttached         = subscription.ErrAlreadyAttached
	ErrInvalidTransition       = subscription.ErrInvalidTransition
	ErrNotCanceling            = errors.New("tally: product is not canceling")

	// Balance errors
	ErrEntitlementNotFound = errors.New("tally: entitlement not found")
	ErrInsufficientBalance = entitlement.ErrInsufficientBalance
	ErrNoEntitlement       = entitlement.ErrNoEntitlement
	ErrFeatureDisabled     = errors.New("tally: feature disabled")

	// Metering errors
	ErrInvalidQuantity = errors.New("tally: invalid usage quantity")
	ErrDuplicateEvent  = meter.ErrDuplicateEvent

	// Invoice errors
	ErrInvoiceNotFound = errors.New("tally: invoice not found")
	ErrInvoicePaid     = errors.New("tally: invoice already paid")
	ErrInvoiceVoided   = errors.New("tally: invoice is voided")

	// Coupon errors
	ErrCouponNotFound = errors.New("tally: coupon not found")
	ErrCouponInvalid  = errors.New("tally: coupon invalid")

	// Provider errors
	ErrPaymentMethodMissing  = provider.ErrPaymentMethodMissing
	ErrPaymentDeclined       = provider.ErrPaymentDeclined
	ErrProviderUnavailable   = provider.ErrProviderUnavailable
	ErrScheduleConflict      = provider.ErrScheduleConflict
	ErrProviderWebhook       = provider.ErrInvalidSignature
	ErrProviderNotConfigured = errors.New("tally: provider not configured")

	// Top-up errors
	ErrRateLimited = topup.ErrRateLimited
	ErrNotEligible = topup.ErrNotEligible

	// Store errors
	ErrStoreClosed     = errors.New("tally: store is closed")
	ErrMigrationFailed = errors.New("tally: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return ValidationError{Field: field, Message: err.Error(), Err: err}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrCustomerProductNotFound) ||
		errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrCouponNotFound)
}

// IsQuotaError returns true if the error is related to balances or limits.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNoEntitlement) ||
		errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrRateLimited)
}

// IsPaymentError returns true if the provider refused to take payment.
func IsPaymentError(err error) bool {
	return errors.Is(err, ErrPaymentMethodMissing) ||
		errors.Is(err, ErrPaymentDeclined)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrScheduleConflict)
}
