package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/store/sqlmodel"
	"github.com/xraph/tally/subscription"
)

// Collection name constants.
const (
	colFeatures         = "tally_features"
	colProducts         = "tally_products"
	colCustomers        = "tally_customers"
	colEntities         = "tally_entities"
	colCustomerProducts = "tally_customer_products"
	colEntitlements     = "tally_customer_entitlements"
	colUsageEvents      = "tally_usage_events"
	colInvoices         = "tally_invoices"
	colCoupons          = "tally_coupons"
	colCounters         = "tally_counters"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("tally/mongo: %w: %s indexes: %w", tally.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	_, err := s.mdb.NewInsert(toFeatureModel(f)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create feature: %w", err)
	}
	return nil
}

func (s *Store) GetFeature(ctx context.Context, orgID, env, key string) (*feature.Feature, error) {
	var m featureModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"org_id": orgID, "env": env, "key": key}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrFeatureNotFound, "get feature")
	}
	return fromFeatureModel(&m)
}

func (s *Store) GetFeatureByID(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	var m featureModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": featureID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrFeatureNotFound, "get feature")
	}
	return fromFeatureModel(&m)
}

func (s *Store) ListFeatures(ctx context.Context, orgID, env string) ([]*feature.Feature, error) {
	var models []featureModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"org_id": orgID, "env": env}).
		Sort(bson.D{{Key: "key", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list features: %w", err)
	}
	result := make([]*feature.Feature, len(models))
	for i := range models {
		f, err := fromFeatureModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = f
	}
	return result, nil
}

func (s *Store) ArchiveFeature(ctx context.Context, featureID id.FeatureID) error {
	res, err := s.mdb.NewUpdate((*featureModel)(nil)).
		Filter(bson.M{"_id": featureID.String()}).
		Set("archived", true).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: archive feature: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrFeatureNotFound
	}
	return nil
}

// ==================== Product Store ====================

func (s *Store) CreateProduct(ctx context.Context, p *product.Product) error {
	_, err := s.mdb.NewInsert(toProductModel(p)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create product: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	var m productModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": productID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrProductNotFound, "get product")
	}
	return fromProductModel(&m)
}

// GetProductByKey returns the latest version of the product.
func (s *Store) GetProductByKey(ctx context.Context, orgID, env, key string) (*product.Product, error) {
	var m productModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"org_id": orgID, "env": env, "key": key}).
		Sort(bson.D{{Key: "version", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrProductNotFound, "get product by key")
	}
	return fromProductModel(&m)
}

func (s *Store) ListProducts(ctx context.Context, orgID, env string, opts product.ListOpts) ([]*product.Product, error) {
	var models []productModel

	filter := bson.M{"org_id": orgID, "env": env}
	if opts.Group != "" {
		filter["group"] = opts.Group
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list products: %w", err)
	}
	result := make([]*product.Product, len(models))
	for i := range models {
		p, err := fromProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p *product.Product) error {
	m := toProductModel(p)
	m.UpdatedAt = now()
	return s.replace(ctx, m, m.ID, tally.ErrProductNotFound, "update product")
}

func (s *Store) ArchiveProduct(ctx context.Context, productID id.ProductID) error {
	res, err := s.mdb.NewUpdate((*productModel)(nil)).
		Filter(bson.M{"_id": productID.String()}).
		Set("status", string(product.StatusArchived)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: archive product: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrProductNotFound
	}
	return nil
}

// ==================== Customer Store ====================

func (s *Store) CreateCustomer(ctx context.Context, c *customer.Customer) error {
	_, err := s.mdb.NewInsert(toCustomerModel(c)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID id.CustomerID) (*customer.Customer, error) {
	var m customerModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": customerID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerNotFound, "get customer")
	}
	return fromCustomerModel(&m)
}

func (s *Store) GetCustomerByExternalID(ctx context.Context, orgID, env, externalID string) (*customer.Customer, error) {
	var m customerModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"org_id": orgID, "env": env, "external_id": externalID}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerNotFound, "get customer by external id")
	}
	return fromCustomerModel(&m)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *customer.Customer) error {
	m := toCustomerModel(c)
	m.UpdatedAt = now()
	return s.replace(ctx, m, m.ID, tally.ErrCustomerNotFound, "update customer")
}

func (s *Store) DeleteCustomer(ctx context.Context, customerID id.CustomerID) error {
	return s.delete(ctx, (*customerModel)(nil), bson.M{"_id": customerID.String()}, tally.ErrCustomerNotFound, "delete customer")
}

func (s *Store) CreateEntity(ctx context.Context, e *customer.Entity) error {
	_, err := s.mdb.NewInsert(toEntityModel(e)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: create entity: %w", err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, entityID id.EntityID) (*customer.Entity, error) {
	var m entityModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": entityID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrEntityNotFound, "get entity")
	}
	return fromEntityModel(&m)
}

func (s *Store) ListEntities(ctx context.Context, customerID id.CustomerID) ([]*customer.Entity, error) {
	var models []entityModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"customer_id": customerID.String(), "deleted": false}).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list entities: %w", err)
	}
	result := make([]*customer.Entity, len(models))
	for i := range models {
		e, err := fromEntityModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) DeleteEntity(ctx context.Context, entityID id.EntityID) error {
	res, err := s.mdb.NewUpdate((*entityModel)(nil)).
		Filter(bson.M{"_id": entityID.String()}).
		Set("deleted", true).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: delete entity: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tally.ErrEntityNotFound
	}
	return nil
}

// ==================== Customer Product Store ====================

func (s *Store) CreateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error {
	_, err := s.mdb.NewInsert(toCustomerProductModel(cp)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: create customer product: %w", err)
	}
	return nil
}

func (s *Store) GetCustomerProduct(ctx context.Context, cpID id.CustomerProductID) (*subscription.CustomerProduct, error) {
	var m customerProductModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": cpID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerProductNotFound, "get customer product")
	}
	return fromCustomerProductModel(&m)
}

func (s *Store) ListCustomerProducts(ctx context.Context, customerID id.CustomerID, opts subscription.ListOpts) ([]*subscription.CustomerProduct, error) {
	filter := bson.M{"customer_id": customerID.String()}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	return s.findCustomerProducts(ctx, filter, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, opts.Limit, opts.Offset)
}

func (s *Store) ListCustomerProductsBySubscription(ctx context.Context, subscriptionID string) ([]*subscription.CustomerProduct, error) {
	return s.findCustomerProducts(ctx,
		bson.M{"subscription_ids": subscriptionID},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, 0, 0)
}

func (s *Store) ListDueCustomerProducts(ctx context.Context, before time.Time, limit int) ([]*subscription.CustomerProduct, error) {
	return s.findCustomerProducts(ctx,
		bson.M{"next_transition_at": bson.M{"$lte": before.UTC()}},
		bson.D{{Key: "next_transition_at", Value: 1}}, limit, 0)
}

func (s *Store) findCustomerProducts(ctx context.Context, filter bson.M, sort bson.D, limit, offset int) ([]*subscription.CustomerProduct, error) {
	var models []customerProductModel
	q := s.mdb.NewFind(&models).Filter(filter).Sort(sort)
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if offset > 0 {
		q = q.Skip(int64(offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list customer products: %w", err)
	}
	result := make([]*subscription.CustomerProduct, len(models))
	for i := range models {
		cp, err := fromCustomerProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = cp
	}
	return result, nil
}

func (s *Store) UpdateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error {
	m := toCustomerProductModel(cp)
	m.UpdatedAt = now()
	return s.replace(ctx, m, m.ID, tally.ErrCustomerProductNotFound, "update customer product")
}

func (s *Store) DeleteCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error {
	return s.delete(ctx, (*customerProductModel)(nil), bson.M{"_id": cpID.String()}, tally.ErrCustomerProductNotFound, "delete customer product")
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error {
	for _, ce := range ces {
		if _, err := s.mdb.NewInsert(toEntitlementModel(ce)).Exec(ctx); err != nil {
			return fmt.Errorf("tally/mongo: create entitlement: %w", err)
		}
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, ceID id.CustomerEntitlementID) (*entitlement.CustomerEntitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": ceID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrEntitlementNotFound, "get entitlement")
	}
	return fromEntitlementModel(&m)
}

func (s *Store) ListEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) ([]*entitlement.CustomerEntitlement, error) {
	return s.findEntitlements(ctx,
		bson.M{"customer_product_id": cpID.String()},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, 0)
}

func (s *Store) ListEntitlements(ctx context.Context, customerID id.CustomerID, featureKey string) ([]*entitlement.CustomerEntitlement, error) {
	filter := bson.M{"customer_id": customerID.String()}
	if featureKey != "" {
		filter["feature_key"] = featureKey
	}
	return s.findEntitlements(ctx, filter, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, 0)
}

func (s *Store) ListEntitlementsDueForReset(ctx context.Context, before time.Time, limit int) ([]*entitlement.CustomerEntitlement, error) {
	return s.findEntitlements(ctx,
		bson.M{
			"next_reset_at":  bson.M{"$lte": before.UTC()},
			"reset_interval": bson.M{"$ne": ""},
		},
		bson.D{{Key: "next_reset_at", Value: 1}}, limit)
}

func (s *Store) findEntitlements(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]*entitlement.CustomerEntitlement, error) {
	var models []entitlementModel
	q := s.mdb.NewFind(&models).Filter(filter).Sort(sort)
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list entitlements: %w", err)
	}
	result := make([]*entitlement.CustomerEntitlement, len(models))
	for i := range models {
		ce, err := fromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = ce
	}
	return result, nil
}

// UpdateEntitlements writes documents in order under the caller's
// balance lock.
func (s *Store) UpdateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error {
	t := now()
	for _, ce := range ces {
		m := toEntitlementModel(ce)
		m.UpdatedAt = t
		if err := s.replace(ctx, m, m.ID, tally.ErrEntitlementNotFound, "update entitlement"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error {
	_, err := s.mdb.NewDelete((*entitlementModel)(nil)).
		Filter(bson.M{"customer_product_id": cpID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: delete entitlements: %w", err)
	}
	return nil
}

// ==================== Usage Store ====================

func (s *Store) RecordUsage(ctx context.Context, e *meter.Event) error {
	_, err := s.mdb.NewInsert(toUsageEventModel(e)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrDuplicateEvent
		}
		return fmt.Errorf("tally/mongo: record usage: %w", err)
	}
	return nil
}

func (s *Store) GetUsageByIdempotencyKey(ctx context.Context, customerID id.CustomerID, key string) (*meter.Event, error) {
	var m usageEventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"customer_id": customerID.String(), "idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrNotFound, "get usage")
	}
	return fromUsageEventModel(&m)
}

func (s *Store) QueryUsage(ctx context.Context, customerID id.CustomerID, opts meter.QueryOpts) ([]*meter.Event, error) {
	var models []usageEventModel

	filter := bson.M{"customer_id": customerID.String()}
	if opts.FeatureKey != "" {
		filter["feature_key"] = opts.FeatureKey
	}
	if !opts.EntityID.IsNil() {
		filter["entity_id"] = opts.EntityID.String()
	}
	if ts := timeRange(opts.Start, opts.End); ts != nil {
		filter["timestamp"] = ts
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "timestamp", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: query usage: %w", err)
	}
	result := make([]*meter.Event, len(models))
	for i := range models {
		evt, err := fromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageEventModel)(nil)).
		Filter(bson.M{"timestamp": bson.M{"$lt": before.UTC()}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: purge usage: %w", err)
	}
	return res.DeletedCount(), nil
}

func (s *Store) DeleteUsage(ctx context.Context, eventID id.UsageEventID) error {
	_, err := s.mdb.NewDelete((*usageEventModel)(nil)).
		Filter(bson.M{"_id": eventID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: delete usage: %w", err)
	}
	return nil
}

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	_, err := s.mdb.NewInsert(toInvoiceModel(inv)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: create invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": invID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrInvoiceNotFound, "get invoice")
	}
	return fromInvoiceModel(&m)
}

func (s *Store) GetInvoiceByProviderID(ctx context.Context, providerID string) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"provider_id": providerID}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrInvoiceNotFound, "get invoice by provider id")
	}
	return fromInvoiceModel(&m)
}

func (s *Store) ListInvoices(ctx context.Context, customerID id.CustomerID, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var models []invoiceModel

	filter := bson.M{"customer_id": customerID.String()}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if ts := timeRange(opts.Start, opts.End); ts != nil {
		filter["created_at"] = ts
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list invoices: %w", err)
	}
	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inv
	}
	return result, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m := toInvoiceModel(inv)
	m.UpdatedAt = now()
	return s.replace(ctx, m, m.ID, tally.ErrInvoiceNotFound, "update invoice")
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID, paidAt time.Time) error {
	res, err := s.mdb.NewUpdate((*invoiceModel)(nil)).
		Filter(bson.M{"_id": invID.String(), "status": bson.M{"$ne": string(invoice.StatusVoided)}}).
		Set("status", string(invoice.StatusPaid)).
		Set("paid_at", paidAt.UTC()).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: mark invoice paid: %w", err)
	}
	if res.MatchedCount() == 0 {
		return s.invoiceConflict(ctx, invID, invoice.StatusVoided, tally.ErrInvoiceVoided)
	}
	return nil
}

func (s *Store) MarkInvoiceVoided(ctx context.Context, invID id.InvoiceID, reason string) error {
	t := now()
	res, err := s.mdb.NewUpdate((*invoiceModel)(nil)).
		Filter(bson.M{"_id": invID.String(), "status": bson.M{"$ne": string(invoice.StatusPaid)}}).
		Set("status", string(invoice.StatusVoided)).
		Set("voided_at", t).
		Set("void_reason", reason).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: mark invoice voided: %w", err)
	}
	if res.MatchedCount() == 0 {
		return s.invoiceConflict(ctx, invID, invoice.StatusPaid, tally.ErrInvoicePaid)
	}
	return nil
}

// invoiceConflict tells a missing invoice apart from one whose status
// blocked a guarded update.
func (s *Store) invoiceConflict(ctx context.Context, invID id.InvoiceID, blocking invoice.Status, conflict error) error {
	inv, err := s.GetInvoice(ctx, invID)
	if err != nil {
		return err
	}
	if inv.Status == blocking {
		return conflict
	}
	return tally.ErrInvoiceNotFound
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	_, err := s.mdb.NewInsert(toCouponModel(c)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create coupon: %w", err)
	}
	return nil
}

func (s *Store) GetCoupon(ctx context.Context, orgID, env, code string) (*coupon.Coupon, error) {
	var m couponModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"org_id": orgID, "env": env, "code": code}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCouponNotFound, "get coupon")
	}
	return fromCouponModel(&m)
}

func (s *Store) GetCouponByID(ctx context.Context, couponID id.CouponID) (*coupon.Coupon, error) {
	var m couponModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": couponID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCouponNotFound, "get coupon")
	}
	return fromCouponModel(&m)
}

func (s *Store) ListCoupons(ctx context.Context, orgID, env string, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	var models []couponModel

	filter := bson.M{"org_id": orgID, "env": env}
	if opts.Active {
		t := now()
		filter["$and"] = bson.A{
			bson.M{"$or": bson.A{bson.M{"valid_from": nil}, bson.M{"valid_from": bson.M{"$lte": t}}}},
			bson.M{"$or": bson.A{bson.M{"valid_until": nil}, bson.M{"valid_until": bson.M{"$gt": t}}}},
		}
		filter["$expr"] = bson.M{"$or": bson.A{
			bson.M{"$eq": bson.A{"$max_redemptions", 0}},
			bson.M{"$lt": bson.A{"$times_redeemed", "$max_redemptions"}},
		}}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "code", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tally/mongo: list coupons: %w", err)
	}
	result := make([]*coupon.Coupon, len(models))
	for i := range models {
		c, err := fromCouponModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) UpdateCoupon(ctx context.Context, c *coupon.Coupon) error {
	m := toCouponModel(c)
	m.UpdatedAt = now()
	return s.replace(ctx, m, m.ID, tally.ErrCouponNotFound, "update coupon")
}

func (s *Store) DeleteCoupon(ctx context.Context, couponID id.CouponID) error {
	return s.delete(ctx, (*couponModel)(nil), bson.M{"_id": couponID.String()}, tally.ErrCouponNotFound, "delete coupon")
}

// ==================== Counter Store ====================

// IncrementCounter bumps the counter with a single pipeline update. An
// expired counter restarts at one with a fresh expiry.
func (s *Store) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	t := now()
	expiry := bson.M{"$ifNull": bson.A{"$expires_at", nil}}
	expired := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{expiry, nil}},
		bson.M{"$lte": bson.A{"$expires_at", t}},
	}}
	fresh := bson.M{"$or": bson.A{bson.M{"$eq": bson.A{expiry, nil}}, expired}}

	var newExpiry any
	if exp := sqlmodel.ExpiresAt(t, ttl); exp != nil {
		newExpiry = *exp
	}

	update := bson.A{bson.M{"$set": bson.M{
		"value": bson.M{"$cond": bson.A{
			expired,
			1,
			bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$value", 0}}, 1}},
		}},
		"expires_at": bson.M{"$cond": bson.A{fresh, newExpiry, "$expires_at"}},
	}}}

	var m counterModel
	err := s.mdb.Collection(colCounters).
		FindOneAndUpdate(ctx, bson.M{"_id": key}, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: increment counter: %w", err)
	}
	return m.Value, nil
}

func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	var m counterModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tally/mongo: get counter: %w", err)
	}
	if m.ExpiresAt != nil && !now().Before(*m.ExpiresAt) {
		return 0, nil
	}
	return m.Value, nil
}

func (s *Store) ResetCounter(ctx context.Context, key string) error {
	if _, err := s.mdb.Collection(colCounters).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("tally/mongo: reset counter: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func (s *Store) replace(ctx context.Context, model any, docID string, sentinel error, op string) error {
	res, err := s.mdb.NewUpdate(model).
		Filter(bson.M{"_id": docID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: %s: %w", op, err)
	}
	if res.MatchedCount() == 0 {
		return sentinel
	}
	return nil
}

func (s *Store) delete(ctx context.Context, model any, filter bson.M, sentinel error, op string) error {
	res, err := s.mdb.NewDelete(model).
		Filter(filter).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: %s: %w", op, err)
	}
	if res.DeletedCount() == 0 {
		return sentinel
	}
	return nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func timeRange(start, end time.Time) bson.M {
	if start.IsZero() && end.IsZero() {
		return nil
	}
	r := bson.M{}
	if !start.IsZero() {
		r["$gte"] = start.UTC()
	}
	if !end.IsZero() {
		r["$lt"] = end.UTC()
	}
	return r
}

func notFound(err, sentinel error, op string) error {
	if isNoDocuments(err) {
		return sentinel
	}
	return fmt.Errorf("tally/mongo: %s: %w", op, err)
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colFeatures: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colProducts: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "key", Value: 1}, {Key: "version", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "group", Value: 1}}},
		},
		colCustomers: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "external_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"external_id": bson.M{"$gt": ""}}),
			},
		},
		colEntities: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "deleted", Value: 1}}},
		},
		colCustomerProducts: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "subscription_ids", Value: 1}}},
			{Keys: bson.D{{Key: "next_transition_at", Value: 1}}},
		},
		colEntitlements: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "feature_key", Value: 1}}},
			{Keys: bson.D{{Key: "customer_product_id", Value: 1}}},
			{Keys: bson.D{{Key: "next_reset_at", Value: 1}}},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "feature_key", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
			{
				Keys:    bson.D{{Key: "customer_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
			},
		},
		colInvoices: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "provider_id", Value: 1}}},
		},
		colCoupons: {
			{
				Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "env", Value: 1}, {Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colCounters: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
	}
}
