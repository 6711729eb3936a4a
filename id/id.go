// Package id defines TypeID-based identity types for all Tally entities.
//
// Every entity in Tally uses a single ID struct with a prefix that identifies
// the entity type. IDs are K-sortable (UUIDv7-based), globally unique,
// and URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Tally entity types.
const (
	PrefixFeature             Prefix = "feat"     // Metered, boolean or credit-system feature
	PrefixProduct             Prefix = "prod"     // Product (plan or add-on)
	PrefixItem                Prefix = "item"     // Product item
	PrefixCustomer            Prefix = "cus"      // Customer
	PrefixEntity              Prefix = "ety"      // Sub-customer entity
	PrefixCustomerProduct     Prefix = "cusprod"  // Product attached to a customer or entity
	PrefixCustomerEntitlement Prefix = "cusent"   // Balance row for one feature of an attachment
	PrefixCustomerPrice       Prefix = "cusprice" // Billing config bound to an attachment item
	PrefixUsageEvent          Prefix = "uevt"     // Usage event
	PrefixInvoice             Prefix = "inv"      // Invoice
	PrefixLineItem            Prefix = "li"       // Invoice line item
	PrefixCoupon              Prefix = "cpn"      // Discount coupon
	PrefixTopup               Prefix = "topup"    // Auto top-up purchase
)

// ID is the primary identifier type for all Tally entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "cus_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is like ParseWithPrefix but panics on error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// FeatureID is a type-safe identifier for features (prefix: "feat").
type FeatureID = ID

// ProductID is a type-safe identifier for products (prefix: "prod").
type ProductID = ID

// ItemID is a type-safe identifier for product items (prefix: "item").
type ItemID = ID

// CustomerID is a type-safe identifier for customers (prefix: "cus").
type CustomerID = ID

// EntityID is a type-safe identifier for entities (prefix: "ety").
type EntityID = ID

// CustomerProductID is a type-safe identifier for customer products (prefix: "cusprod").
type CustomerProductID = ID

// CustomerEntitlementID is a type-safe identifier for customer entitlements (prefix: "cusent").
type CustomerEntitlementID = ID

// CustomerPriceID is a type-safe identifier for customer prices (prefix: "cusprice").
type CustomerPriceID = ID

// UsageEventID is a type-safe identifier for usage events (prefix: "uevt").
type UsageEventID = ID

// InvoiceID is a type-safe identifier for invoices (prefix: "inv").
type InvoiceID = ID

// LineItemID is a type-safe identifier for line items (prefix: "li").
type LineItemID = ID

// CouponID is a type-safe identifier for coupons (prefix: "cpn").
type CouponID = ID

// TopupID is a type-safe identifier for top-up purchases (prefix: "topup").
type TopupID = ID

// AnyID is a type alias that accepts any valid prefix.
type AnyID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewFeatureID generates a new unique feature ID.
func NewFeatureID() ID { return New(PrefixFeature) }

// NewProductID generates a new unique product ID.
func NewProductID() ID { return New(PrefixProduct) }

// NewItemID generates a new unique product item ID.
func NewItemID() ID { return New(PrefixItem) }

// NewCustomerID generates a new unique customer ID.
func NewCustomerID() ID { return New(PrefixCustomer) }

// NewEntityID generates a new unique entity ID.
func NewEntityID() ID { return New(PrefixEntity) }

// NewCustomerProductID generates a new unique customer product ID.
func NewCustomerProductID() ID { return New(PrefixCustomerProduct) }

// NewCustomerEntitlementID generates a new unique customer entitlement ID.
func NewCustomerEntitlementID() ID { return New(PrefixCustomerEntitlement) }

// NewCustomerPriceID generates a new unique customer price ID.
func NewCustomerPriceID() ID { return New(PrefixCustomerPrice) }

// NewUsageEventID generates a new unique usage event ID.
func NewUsageEventID() ID { return New(PrefixUsageEvent) }

// NewInvoiceID generates a new unique invoice ID.
func NewInvoiceID() ID { return New(PrefixInvoice) }

// NewLineItemID generates a new unique line item ID.
func NewLineItemID() ID { return New(PrefixLineItem) }

// NewCouponID generates a new unique coupon ID.
func NewCouponID() ID { return New(PrefixCoupon) }

// NewTopupID generates a new unique top-up purchase ID.
func NewTopupID() ID { return New(PrefixTopup) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseFeatureID parses a string and validates the "feat" prefix.
func ParseFeatureID(s string) (ID, error) { return ParseWithPrefix(s, PrefixFeature) }

// ParseProductID parses a string and validates the "prod" prefix.
func ParseProductID(s string) (ID, error) { return ParseWithPrefix(s, PrefixProduct) }

// ParseItemID parses a string and validates the "item" prefix.
func ParseItemID(s string) (ID, error) { return ParseWithPrefix(s, PrefixItem) }

// ParseCustomerID parses a string and validates the "cus" prefix.
func ParseCustomerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCustomer) }

// ParseEntityID parses a string and validates the "ety" prefix.
func ParseEntityID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEntity) }

// ParseCustomerProductID parses a string and validates the "cusprod" prefix.
func ParseCustomerProductID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCustomerProduct) }

// ParseCustomerEntitlementID parses a string and validates the "cusent" prefix.
func ParseCustomerEntitlementID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCustomerEntitlement) }

// ParseCustomerPriceID parses a string and validates the "cusprice" prefix.
func ParseCustomerPriceID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCustomerPrice) }

// ParseUsageEventID parses a string and validates the "uevt" prefix.
func ParseUsageEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUsageEvent) }

// ParseInvoiceID parses a string and validates the "inv" prefix.
func ParseInvoiceID(s string) (ID, error) { return ParseWithPrefix(s, PrefixInvoice) }

// ParseLineItemID parses a string and validates the "li" prefix.
func ParseLineItemID(s string) (ID, error) { return ParseWithPrefix(s, PrefixLineItem) }

// ParseCouponID parses a string and validates the "cpn" prefix.
func ParseCouponID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCoupon) }

// ParseTopupID parses a string and validates the "topup" prefix.
func ParseTopupID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTopup) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
