package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/tally/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"FeatureID", id.NewFeatureID, "feat_"},
		{"ProductID", id.NewProductID, "prod_"},
		{"ItemID", id.NewItemID, "item_"},
		{"CustomerID", id.NewCustomerID, "cus_"},
		{"EntityID", id.NewEntityID, "ety_"},
		{"CustomerProductID", id.NewCustomerProductID, "cusprod_"},
		{"CustomerEntitlementID", id.NewCustomerEntitlementID, "cusent_"},
		{"CustomerPriceID", id.NewCustomerPriceID, "cusprice_"},
		{"UsageEventID", id.NewUsageEventID, "uevt_"},
		{"InvoiceID", id.NewInvoiceID, "inv_"},
		{"LineItemID", id.NewLineItemID, "li_"},
		{"CouponID", id.NewCouponID, "cpn_"},
		{"TopupID", id.NewTopupID, "topup_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixCustomer)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixCustomer {
		t.Errorf("expected prefix %q, got %q", id.PrefixCustomer, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"FeatureID", id.NewFeatureID, id.ParseFeatureID},
		{"ProductID", id.NewProductID, id.ParseProductID},
		{"ItemID", id.NewItemID, id.ParseItemID},
		{"CustomerID", id.NewCustomerID, id.ParseCustomerID},
		{"EntityID", id.NewEntityID, id.ParseEntityID},
		{"CustomerProductID", id.NewCustomerProductID, id.ParseCustomerProductID},
		{"CustomerEntitlementID", id.NewCustomerEntitlementID, id.ParseCustomerEntitlementID},
		{"CustomerPriceID", id.NewCustomerPriceID, id.ParseCustomerPriceID},
		{"UsageEventID", id.NewUsageEventID, id.ParseUsageEventID},
		{"InvoiceID", id.NewInvoiceID, id.ParseInvoiceID},
		{"LineItemID", id.NewLineItemID, id.ParseLineItemID},
		{"CouponID", id.NewCouponID, id.ParseCouponID},
		{"TopupID", id.NewTopupID, id.ParseTopupID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseFeatureID rejects prod_", id.NewProductID().String(), id.ParseFeatureID},
		{"ParseProductID rejects item_", id.NewItemID().String(), id.ParseProductID},
		{"ParseItemID rejects cus_", id.NewCustomerID().String(), id.ParseItemID},
		{"ParseCustomerID rejects ety_", id.NewEntityID().String(), id.ParseCustomerID},
		{"ParseEntityID rejects cusprod_", id.NewCustomerProductID().String(), id.ParseEntityID},
		{"ParseCustomerProductID rejects cusent_", id.NewCustomerEntitlementID().String(), id.ParseCustomerProductID},
		{"ParseCustomerEntitlementID rejects cusprice_", id.NewCustomerPriceID().String(), id.ParseCustomerEntitlementID},
		{"ParseCustomerPriceID rejects uevt_", id.NewUsageEventID().String(), id.ParseCustomerPriceID},
		{"ParseUsageEventID rejects inv_", id.NewInvoiceID().String(), id.ParseUsageEventID},
		{"ParseInvoiceID rejects li_", id.NewLineItemID().String(), id.ParseInvoiceID},
		{"ParseLineItemID rejects cpn_", id.NewCouponID().String(), id.ParseLineItemID},
		{"ParseCouponID rejects topup_", id.NewTopupID().String(), id.ParseCouponID},
		{"ParseTopupID rejects feat_", id.NewFeatureID().String(), id.ParseTopupID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseAny(t *testing.T) {
	ids := []id.ID{
		id.NewFeatureID(),
		id.NewProductID(),
		id.NewItemID(),
		id.NewCustomerID(),
		id.NewEntityID(),
		id.NewCustomerProductID(),
		id.NewCustomerEntitlementID(),
		id.NewCustomerPriceID(),
		id.NewUsageEventID(),
		id.NewInvoiceID(),
		id.NewLineItemID(),
		id.NewCouponID(),
		id.NewTopupID(),
	}

	for _, i := range ids {
		t.Run(i.String(), func(t *testing.T) {
			parsed, err := id.ParseAny(i.String())
			if err != nil {
				t.Fatalf("ParseAny(%q) failed: %v", i.String(), err)
			}
			if parsed.String() != i.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), i.String())
			}
		})
	}
}

func TestParseWithPrefix(t *testing.T) {
	i := id.NewCustomerProductID()
	parsed, err := id.ParseWithPrefix(i.String(), id.PrefixCustomerProduct)
	if err != nil {
		t.Fatalf("ParseWithPrefix failed: %v", err)
	}
	if parsed.String() != i.String() {
		t.Errorf("mismatch: %q != %q", parsed.String(), i.String())
	}

	_, err = id.ParseWithPrefix(i.String(), id.PrefixCustomer)
	if err == nil {
		t.Error("expected error for wrong prefix")
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := id.Parse("")
	if err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewCustomerEntitlementID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	// Nil round-trip.
	var nilID id.ID
	data, err = nilID.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText(nil) failed: %v", err)
	}
	var restored2 id.ID
	if err := restored2.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !restored2.IsNil() {
		t.Error("expected nil after round-trip of nil ID")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewCustomerProductID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	// Nil round-trip.
	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	var scanned2 id.ID
	if err := scanned2.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !scanned2.IsNil() {
		t.Error("expected nil after scan of nil")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewUsageEventID()
	b := id.NewUsageEventID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewUsageEventID() calls returned the same ID: %q", a.String())
	}
}
