package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

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

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/sqlite: %w: %w", tally.ErrMigrationFailed, err)
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
	_, err := s.sdb.NewInsert(sqlmodel.ToFeatureModel(f)).Exec(ctx)
	return wrap("create feature", err)
}

func (s *Store) GetFeature(ctx context.Context, orgID, env, key string) (*feature.Feature, error) {
	m := new(sqlmodel.FeatureModel)
	err := s.sdb.NewSelect(m).
		Where("org_id = ?", orgID).
		Where("env = ?", env).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrFeatureNotFound)
	}
	return sqlmodel.FromFeatureModel(m)
}

func (s *Store) GetFeatureByID(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	m := new(sqlmodel.FeatureModel)
	err := s.sdb.NewSelect(m).Where("id = ?", featureID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrFeatureNotFound)
	}
	return sqlmodel.FromFeatureModel(m)
}

func (s *Store) ListFeatures(ctx context.Context, orgID, env string) ([]*feature.Feature, error) {
	var models []sqlmodel.FeatureModel
	err := s.sdb.NewSelect(&models).
		Where("org_id = ?", orgID).
		Where("env = ?", env).
		OrderExpr("key ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list features", err)
	}
	result := make([]*feature.Feature, len(models))
	for i := range models {
		f, err := sqlmodel.FromFeatureModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = f
	}
	return result, nil
}

func (s *Store) ArchiveFeature(ctx context.Context, featureID id.FeatureID) error {
	res, err := s.sdb.NewUpdate((*sqlmodel.FeatureModel)(nil)).
		Set("archived = ?", true).
		Set("updated_at = ?", now()).
		Where("id = ?", featureID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrFeatureNotFound)
}

// ==================== Product Store ====================

func (s *Store) CreateProduct(ctx context.Context, p *product.Product) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToProductModel(p)).Exec(ctx)
	return wrap("create product", err)
}

func (s *Store) GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	m := new(sqlmodel.ProductModel)
	err := s.sdb.NewSelect(m).Where("id = ?", productID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrProductNotFound)
	}
	return sqlmodel.FromProductModel(m)
}

// GetProductByKey returns the latest version of the product.
func (s *Store) GetProductByKey(ctx context.Context, orgID, env, key string) (*product.Product, error) {
	m := new(sqlmodel.ProductModel)
	err := s.sdb.NewSelect(m).
		Where("org_id = ?", orgID).
		Where("env = ?", env).
		Where("key = ?", key).
		OrderExpr("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrProductNotFound)
	}
	return sqlmodel.FromProductModel(m)
}

func (s *Store) ListProducts(ctx context.Context, orgID, env string, opts product.ListOpts) ([]*product.Product, error) {
	var models []sqlmodel.ProductModel
	q := s.sdb.NewSelect(&models).
		Where("org_id = ?", orgID).
		Where("env = ?", env)

	argIdx := 2
	if opts.Group != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("group_name = %s", arg(argIdx)), opts.Group)
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = %s", arg(argIdx)), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list products", err)
	}
	result := make([]*product.Product, len(models))
	for i := range models {
		p, err := sqlmodel.FromProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p *product.Product) error {
	m := sqlmodel.ToProductModel(p)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return affected(res, err, tally.ErrProductNotFound)
}

func (s *Store) ArchiveProduct(ctx context.Context, productID id.ProductID) error {
	res, err := s.sdb.NewUpdate((*sqlmodel.ProductModel)(nil)).
		Set("status = ?", string(product.StatusArchived)).
		Set("updated_at = ?", now()).
		Where("id = ?", productID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrProductNotFound)
}

// ==================== Customer Store ====================

func (s *Store) CreateCustomer(ctx context.Context, c *customer.Customer) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToCustomerModel(c)).Exec(ctx)
	return wrap("create customer", err)
}

func (s *Store) GetCustomer(ctx context.Context, customerID id.CustomerID) (*customer.Customer, error) {
	m := new(sqlmodel.CustomerModel)
	err := s.sdb.NewSelect(m).Where("id = ?", customerID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerNotFound)
	}
	return sqlmodel.FromCustomerModel(m)
}

func (s *Store) GetCustomerByExternalID(ctx context.Context, orgID, env, externalID string) (*customer.Customer, error) {
	m := new(sqlmodel.CustomerModel)
	err := s.sdb.NewSelect(m).
		Where("org_id = ?", orgID).
		Where("env = ?", env).
		Where("external_id = ?", externalID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerNotFound)
	}
	return sqlmodel.FromCustomerModel(m)
}

func (s *Store) UpdateCustomer(ctx context.Context, c *customer.Customer) error {
	m := sqlmodel.ToCustomerModel(c)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return affected(res, err, tally.ErrCustomerNotFound)
}

// DeleteCustomer removes the customer row only; counters keyed by the
// customer are left to expire.
func (s *Store) DeleteCustomer(ctx context.Context, customerID id.CustomerID) error {
	res, err := s.sdb.NewDelete((*sqlmodel.CustomerModel)(nil)).
		Where("id = ?", customerID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrCustomerNotFound)
}

func (s *Store) CreateEntity(ctx context.Context, e *customer.Entity) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToEntityModel(e)).Exec(ctx)
	return wrap("create entity", err)
}

func (s *Store) GetEntity(ctx context.Context, entityID id.EntityID) (*customer.Entity, error) {
	m := new(sqlmodel.EntityModel)
	err := s.sdb.NewSelect(m).Where("id = ?", entityID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrEntityNotFound)
	}
	return sqlmodel.FromEntityModel(m)
}

func (s *Store) ListEntities(ctx context.Context, customerID id.CustomerID) ([]*customer.Entity, error) {
	var models []sqlmodel.EntityModel
	err := s.sdb.NewSelect(&models).
		Where("customer_id = ?", customerID.String()).
		Where("deleted = ?", false).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list entities", err)
	}
	result := make([]*customer.Entity, len(models))
	for i := range models {
		e, err := sqlmodel.FromEntityModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) DeleteEntity(ctx context.Context, entityID id.EntityID) error {
	res, err := s.sdb.NewUpdate((*sqlmodel.EntityModel)(nil)).
		Set("deleted = ?", true).
		Set("updated_at = ?", now()).
		Where("id = ?", entityID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrEntityNotFound)
}

// ==================== Customer Product Store ====================

func (s *Store) CreateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToCustomerProductModel(cp)).Exec(ctx)
	return wrap("create customer product", err)
}

func (s *Store) GetCustomerProduct(ctx context.Context, cpID id.CustomerProductID) (*subscription.CustomerProduct, error) {
	m := new(sqlmodel.CustomerProductModel)
	err := s.sdb.NewSelect(m).Where("id = ?", cpID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCustomerProductNotFound)
	}
	return sqlmodel.FromCustomerProductModel(m)
}

func (s *Store) ListCustomerProducts(ctx context.Context, customerID id.CustomerID, opts subscription.ListOpts) ([]*subscription.CustomerProduct, error) {
	var models []sqlmodel.CustomerProductModel
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID.String())
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, wrap("list customer products", err)
	}
	return customerProducts(models)
}

func (s *Store) ListCustomerProductsBySubscription(ctx context.Context, subscriptionID string) ([]*subscription.CustomerProduct, error) {
	var models []sqlmodel.CustomerProductModel
	err := s.sdb.NewSelect(&models).
		Where("EXISTS (SELECT 1 FROM json_each(subscription_ids) WHERE json_each.value = ?)", subscriptionID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list customer products by subscription", err)
	}
	return customerProducts(models)
}

func (s *Store) ListDueCustomerProducts(ctx context.Context, before time.Time, limit int) ([]*subscription.CustomerProduct, error) {
	var models []sqlmodel.CustomerProductModel
	q := s.sdb.NewSelect(&models).
		Where("next_transition_at IS NOT NULL").
		Where("next_transition_at <= ?", before.UTC()).
		OrderExpr("next_transition_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list due customer products", err)
	}
	return customerProducts(models)
}

func (s *Store) UpdateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error {
	m := sqlmodel.ToCustomerProductModel(cp)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return affected(res, err, tally.ErrCustomerProductNotFound)
}

func (s *Store) DeleteCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error {
	res, err := s.sdb.NewDelete((*sqlmodel.CustomerProductModel)(nil)).
		Where("id = ?", cpID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrCustomerProductNotFound)
}

func customerProducts(models []sqlmodel.CustomerProductModel) ([]*subscription.CustomerProduct, error) {
	result := make([]*subscription.CustomerProduct, len(models))
	for i := range models {
		cp, err := sqlmodel.FromCustomerProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = cp
	}
	return result, nil
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error {
	if len(ces) == 0 {
		return nil
	}
	models := make([]sqlmodel.EntitlementModel, len(ces))
	for i, ce := range ces {
		models[i] = *sqlmodel.ToEntitlementModel(ce)
	}
	_, err := s.sdb.NewInsert(&models).Exec(ctx)
	return wrap("create entitlements", err)
}

func (s *Store) GetEntitlement(ctx context.Context, ceID id.CustomerEntitlementID) (*entitlement.CustomerEntitlement, error) {
	m := new(sqlmodel.EntitlementModel)
	err := s.sdb.NewSelect(m).Where("id = ?", ceID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrEntitlementNotFound)
	}
	return sqlmodel.FromEntitlementModel(m)
}

func (s *Store) ListEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) ([]*entitlement.CustomerEntitlement, error) {
	var models []sqlmodel.EntitlementModel
	err := s.sdb.NewSelect(&models).
		Where("customer_product_id = ?", cpID.String()).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list entitlements", err)
	}
	return entitlements(models)
}

func (s *Store) ListEntitlements(ctx context.Context, customerID id.CustomerID, featureKey string) ([]*entitlement.CustomerEntitlement, error) {
	var models []sqlmodel.EntitlementModel
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID.String())
	if featureKey != "" {
		q = q.Where("feature_key = ?", featureKey)
	}
	if err := q.OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, wrap("list entitlements", err)
	}
	return entitlements(models)
}

func (s *Store) ListEntitlementsDueForReset(ctx context.Context, before time.Time, limit int) ([]*entitlement.CustomerEntitlement, error) {
	var models []sqlmodel.EntitlementModel
	q := s.sdb.NewSelect(&models).
		Where("next_reset_at IS NOT NULL").
		Where("next_reset_at <= ?", before.UTC()).
		Where("reset_interval <> ''").
		OrderExpr("next_reset_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list entitlements due for reset", err)
	}
	return entitlements(models)
}

// UpdateEntitlements writes rows in order. Callers hold the balance lock
// for every row, so a partial failure is retried by the caller against
// fresh state.
func (s *Store) UpdateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error {
	t := now()
	for _, ce := range ces {
		m := sqlmodel.ToEntitlementModel(ce)
		m.UpdatedAt = t
		res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
		if err := affected(res, err, tally.ErrEntitlementNotFound); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error {
	_, err := s.sdb.NewDelete((*sqlmodel.EntitlementModel)(nil)).
		Where("customer_product_id = ?", cpID.String()).
		Exec(ctx)
	return wrap("delete entitlements", err)
}

func entitlements(models []sqlmodel.EntitlementModel) ([]*entitlement.CustomerEntitlement, error) {
	result := make([]*entitlement.CustomerEntitlement, len(models))
	for i := range models {
		ce, err := sqlmodel.FromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = ce
	}
	return result, nil
}

// ==================== Usage Store ====================

func (s *Store) RecordUsage(ctx context.Context, e *meter.Event) error {
	res, err := s.sdb.NewInsert(sqlmodel.ToUsageEventModel(e)).
		OnConflict("(customer_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return wrap("record usage", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("record usage", err)
	}
	if rows == 0 {
		return tally.ErrDuplicateEvent
	}
	return nil
}

func (s *Store) GetUsageByIdempotencyKey(ctx context.Context, customerID id.CustomerID, key string) (*meter.Event, error) {
	m := new(sqlmodel.UsageEventModel)
	err := s.sdb.NewSelect(m).
		Where("customer_id = ?", customerID.String()).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrNotFound)
	}
	return sqlmodel.FromUsageEventModel(m)
}

func (s *Store) QueryUsage(ctx context.Context, customerID id.CustomerID, opts meter.QueryOpts) ([]*meter.Event, error) {
	var models []sqlmodel.UsageEventModel
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID.String())

	argIdx := 1
	if opts.FeatureKey != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("feature_key = %s", arg(argIdx)), opts.FeatureKey)
	}
	if !opts.EntityID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("entity_id = %s", arg(argIdx)), opts.EntityID.String())
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp >= %s", arg(argIdx)), opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp < %s", arg(argIdx)), opts.End.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.OrderExpr("timestamp ASC").Scan(ctx); err != nil {
		return nil, wrap("query usage", err)
	}

	result := make([]*meter.Event, len(models))
	for i := range models {
		e, err := sqlmodel.FromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*sqlmodel.UsageEventModel)(nil)).
		Where("timestamp < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, wrap("purge usage", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteUsage(ctx context.Context, eventID id.UsageEventID) error {
	_, err := s.sdb.NewDelete((*sqlmodel.UsageEventModel)(nil)).
		Where("id = ?", eventID.String()).
		Exec(ctx)
	return wrap("delete usage", err)
}

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToInvoiceModel(inv)).Exec(ctx)
	return wrap("create invoice", err)
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	m := new(sqlmodel.InvoiceModel)
	err := s.sdb.NewSelect(m).Where("id = ?", invID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrInvoiceNotFound)
	}
	return sqlmodel.FromInvoiceModel(m)
}

func (s *Store) GetInvoiceByProviderID(ctx context.Context, providerID string) (*invoice.Invoice, error) {
	m := new(sqlmodel.InvoiceModel)
	err := s.sdb.NewSelect(m).Where("provider_id = ?", providerID).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrInvoiceNotFound)
	}
	return sqlmodel.FromInvoiceModel(m)
}

func (s *Store) ListInvoices(ctx context.Context, customerID id.CustomerID, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var models []sqlmodel.InvoiceModel
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID.String())

	argIdx := 1
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = %s", arg(argIdx)), string(opts.Status))
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= %s", arg(argIdx)), opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < %s", arg(argIdx)), opts.End.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.OrderExpr("created_at ASC").Scan(ctx); err != nil {
		return nil, wrap("list invoices", err)
	}

	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := sqlmodel.FromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inv
	}
	return result, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m := sqlmodel.ToInvoiceModel(inv)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return affected(res, err, tally.ErrInvoiceNotFound)
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID, paidAt time.Time) error {
	res, err := s.sdb.NewUpdate((*sqlmodel.InvoiceModel)(nil)).
		Set("status = ?", string(invoice.StatusPaid)).
		Set("paid_at = ?", paidAt.UTC()).
		Set("updated_at = ?", now()).
		Where("id = ?", invID.String()).
		Where("status <> ?", string(invoice.StatusVoided)).
		Exec(ctx)
	if err := affected(res, err, tally.ErrInvoiceNotFound); err != nil {
		return s.invoiceConflict(ctx, invID, err, invoice.StatusVoided, tally.ErrInvoiceVoided)
	}
	return nil
}

func (s *Store) MarkInvoiceVoided(ctx context.Context, invID id.InvoiceID, reason string) error {
	t := now()
	res, err := s.sdb.NewUpdate((*sqlmodel.InvoiceModel)(nil)).
		Set("status = ?", string(invoice.StatusVoided)).
		Set("voided_at = ?", t).
		Set("void_reason = ?", reason).
		Set("updated_at = ?", t).
		Where("id = ?", invID.String()).
		Where("status <> ?", string(invoice.StatusPaid)).
		Exec(ctx)
	if err := affected(res, err, tally.ErrInvoiceNotFound); err != nil {
		return s.invoiceConflict(ctx, invID, err, invoice.StatusPaid, tally.ErrInvoicePaid)
	}
	return nil
}

// invoiceConflict tells a missing invoice apart from one whose status
// blocked a guarded update.
func (s *Store) invoiceConflict(ctx context.Context, invID id.InvoiceID, err error, blocking invoice.Status, conflict error) error {
	if !errors.Is(err, tally.ErrInvoiceNotFound) {
		return err
	}
	inv, getErr := s.GetInvoice(ctx, invID)
	if getErr != nil {
		return getErr
	}
	if inv.Status == blocking {
		return conflict
	}
	return err
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	_, err := s.sdb.NewInsert(sqlmodel.ToCouponModel(c)).Exec(ctx)
	return wrap("create coupon", err)
}

func (s *Store) GetCoupon(ctx context.Context, orgID, env, code string) (*coupon.Coupon, error) {
	m := new(sqlmodel.CouponModel)
	err := s.sdb.NewSelect(m).
		Where("org_id = ?", orgID).
		Where("env = ?", env).
		Where("code = ?", code).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCouponNotFound)
	}
	return sqlmodel.FromCouponModel(m)
}

func (s *Store) GetCouponByID(ctx context.Context, couponID id.CouponID) (*coupon.Coupon, error) {
	m := new(sqlmodel.CouponModel)
	err := s.sdb.NewSelect(m).Where("id = ?", couponID.String()).Scan(ctx)
	if err != nil {
		return nil, notFound(err, tally.ErrCouponNotFound)
	}
	return sqlmodel.FromCouponModel(m)
}

func (s *Store) ListCoupons(ctx context.Context, orgID, env string, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	var models []sqlmodel.CouponModel
	q := s.sdb.NewSelect(&models).
		Where("org_id = ?", orgID).
		Where("env = ?", env)

	if opts.Active {
		t := now()
		q = q.Where("(valid_from IS NULL OR valid_from <= ?)", t).
			Where("(valid_until IS NULL OR valid_until > ?)", t).
			Where("(max_redemptions = 0 OR times_redeemed < max_redemptions)")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.OrderExpr("code ASC").Scan(ctx); err != nil {
		return nil, wrap("list coupons", err)
	}

	result := make([]*coupon.Coupon, len(models))
	for i := range models {
		c, err := sqlmodel.FromCouponModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) UpdateCoupon(ctx context.Context, c *coupon.Coupon) error {
	m := sqlmodel.ToCouponModel(c)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return affected(res, err, tally.ErrCouponNotFound)
}

func (s *Store) DeleteCoupon(ctx context.Context, couponID id.CouponID) error {
	res, err := s.sdb.NewDelete((*sqlmodel.CouponModel)(nil)).
		Where("id = ?", couponID.String()).
		Exec(ctx)
	return affected(res, err, tally.ErrCouponNotFound)
}

// ==================== Counter Store ====================

// IncrementCounter upserts the counter in one statement. An expired
// counter restarts at one with a fresh expiry.
func (s *Store) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	t := now()
	var value int64
	err := s.sdb.NewRaw(`
		INSERT INTO tally_counters (key, value, expires_at) VALUES (?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE WHEN tally_counters.expires_at IS NOT NULL AND tally_counters.expires_at <= ?
				THEN 1 ELSE tally_counters.value + 1 END,
			expires_at = CASE WHEN tally_counters.expires_at IS NOT NULL AND tally_counters.expires_at <= ?
				THEN excluded.expires_at ELSE tally_counters.expires_at END
		RETURNING value
	`, key, sqlmodel.ExpiresAt(t, ttl), t, t).Scan(ctx, &value)
	if err != nil {
		return 0, wrap("increment counter", err)
	}
	return value, nil
}

func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	m := new(sqlmodel.CounterModel)
	err := s.sdb.NewSelect(m).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, wrap("get counter", err)
	}
	if m.ExpiresAt != nil && !now().Before(*m.ExpiresAt) {
		return 0, nil
	}
	return m.Value, nil
}

func (s *Store) ResetCounter(ctx context.Context, key string) error {
	_, err := s.sdb.NewDelete((*sqlmodel.CounterModel)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return wrap("reset counter", err)
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func arg(int) string {
	return "?"
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tally/sqlite: %s: %w", op, err)
}

func notFound(err, sentinel error) error {
	if isNoRows(err) {
		return sentinel
	}
	return wrap("select", err)
}

func affected(res sql.Result, err error, sentinel error) error {
	if err != nil {
		return wrap("write", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if rows == 0 {
		return sentinel
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
