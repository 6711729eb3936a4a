package tally_test

import (
	"context"
	"log"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/product"
	provmem "github.com/xraph/tally/provider/memory"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// TestDocumentationExamples verifies that the README examples compile and run.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Memory store and provider for demo, use PostgreSQL and Stripe in production.
		store := memory.New()
		payments := provmem.New("whsec_demo")

		engine := tally.New(store,
			tally.WithLogger(slog.Default()),
			tally.WithProvider(payments),
			tally.WithRenewalInterval(0),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		if err := engine.CreateFeature(ctx, &feature.Feature{
			Key:       "api_calls",
			Name:      "API Calls",
			Type:      feature.TypeMetered,
			UsageType: feature.UsageSingle,
			OrgID:     "org_123",
			Env:       "live",
		}); err != nil {
			t.Fatal(err)
		}

		pro := &product.Product{
			Key:      "pro",
			Name:     "Pro Plan",
			Group:    "plans",
			Currency: "usd",
			OrgID:    "org_123",
			Env:      "live",
			Items: []product.Item{
				product.NewPriceItem(types.USD(4900), types.IntervalMonth), // $49.00
				product.NewFeatureItem(product.FeatureItem{
					FeatureKey:      "api_calls",
					Model:           product.ModelConsumable,
					Included:        decimal.NewFromInt(10000),
					Price:           types.USD(1), // $0.01 per call over
					BillingInterval: types.IntervalMonth,
					ResetInterval:   types.IntervalMonth,
				}),
			},
		}
		if err := engine.CreateProduct(ctx, pro); err != nil {
			t.Fatal(err)
		}

		cus := &customer.Customer{ExternalID: "user_42", Name: "Acme", OrgID: "org_123", Env: "live"}
		if err := engine.CreateCustomer(ctx, cus); err != nil {
			t.Fatal(err)
		}
		payments.SetPaymentMethod(cus.ProviderID, "pm_card_visa")

		attached, err := engine.Attach(ctx, tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Attached %s, charged %s\n", attached.CustomerProduct.ProductKey, attached.Invoice.Total)

		check, err := engine.Check(ctx, tally.CheckRequest{CustomerID: cus.ID, FeatureKey: "api_calls"})
		if err != nil {
			t.Fatal(err)
		}
		if check.Allowed {
			res, err := engine.Track(ctx, tally.TrackRequest{
				CustomerID:     cus.ID,
				FeatureKey:     "api_calls",
				Value:          decimal.NewFromInt(100),
				IdempotencyKey: "req_1",
			})
			if err != nil {
				t.Fatal(err)
			}
			log.Printf("API calls remaining: %s\n", res.Balance.CurrentBalance)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		_ = types.USD(4900)   // $49.00
		_ = types.EUR(9900)   // €99.00
		_ = types.Zero("usd") // $0.00

		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)     // $3.00
		_ = m1.Multiply(3) // $3.00
		_ = m1.Divide(2)   // $0.50

		if m1.LessThan(m2) {
			// m1 is less than m2
		}

		_ = m1.String()      // "$1.00"
		_ = m1.FormatMajor() // "1.00"
	})
}
