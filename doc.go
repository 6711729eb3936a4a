// Package tally provides a multi-tenant metering and billing engine for Go
// applications.
//
// Tally is a library, not a service. Import it into your application and
// back it with one of the bundled stores. It provides:
//
//   - Balance checks and usage tracking against per-customer entitlements
//   - Products built from flat prices and metered feature items (free,
//     consumable, allocated and prepaid)
//   - Attach, upgrade, downgrade and cancel flows with proration
//   - Provider subscription and schedule reconciliation (Stripe built-in)
//   - Automatic prepaid top-ups through a background job queue
//   - A read-through cache of customer state, local or Redis backed
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/postgres"
//	)
//
//	store, err := postgres.New(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := tally.New(store, tally.WithProvider(stripeProvider))
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// Features are the gated capabilities. Products bundle features with
// prices:
//
//	pro := &product.Product{
//	    Key:   "pro",
//	    Group: "plans",
//	    Items: []product.Item{
//	        product.NewPriceItem(tally.USD(2000), tally.IntervalMonth),
//	        product.NewFeatureItem(product.FeatureItem{
//	            FeatureKey:      "messages",
//	            Model:           product.ModelConsumable,
//	            Included:        decimal.NewFromInt(500),
//	            Price:           tally.USD(1),
//	            BillingInterval: tally.IntervalMonth,
//	            ResetInterval:   tally.IntervalMonth,
//	        }),
//	    },
//	}
//
// Attaching a product grants its entitlements to a customer or entity:
//
//	res, err := engine.Attach(ctx, tally.AttachRequest{CustomerID: cusID, ProductKey: "pro"})
//
// Check asks whether usage is allowed; Track records it:
//
//	ok, err := engine.Check(ctx, tally.CheckRequest{CustomerID: cusID, FeatureKey: "messages"})
//	if ok.Allowed {
//	    engine.Track(ctx, tally.TrackRequest{CustomerID: cusID, FeatureKey: "messages", Value: decimal.NewFromInt(1)})
//	}
//
// # Money
//
// Amounts are integers in the smallest currency unit. Fractional results
// of proration are rounded half away from zero once, at the line level.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	cus_01h2xcejqtf2nbrexx3vqjhp41      // Customer ID
//	cusprod_01h2xcejqtf2nbrexx3vqjhp41  // Customer product ID
//	inv_01h455vb4pex5vsknk084sn02q      // Invoice ID
package tally
