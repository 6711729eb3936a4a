package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/counter"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store keeps every entity in process. Values are copied on the way in and
// out, so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	features     map[string]*feature.Feature
	products     map[string]*product.Product
	customers    map[string]*customer.Customer
	entities     map[string]*customer.Entity
	custProducts map[string]*subscription.CustomerProduct
	entitlements map[string]*entitlement.CustomerEntitlement
	usageEvents  []*meter.Event
	idempotency  map[string]struct{}
	invoices     map[string]*invoice.Invoice
	coupons      map[string]*coupon.Coupon

	*counter.Memory
}

func New() *Store {
	return &Store{
		features:     make(map[string]*feature.Feature),
		products:     make(map[string]*product.Product),
		customers:    make(map[string]*customer.Customer),
		entities:     make(map[string]*customer.Entity),
		custProducts: make(map[string]*subscription.CustomerProduct),
		entitlements: make(map[string]*entitlement.CustomerEntitlement),
		usageEvents:  make([]*meter.Event, 0),
		idempotency:  make(map[string]struct{}),
		invoices:     make(map[string]*invoice.Invoice),
		coupons:      make(map[string]*coupon.Coupon),
		Memory:       counter.NewMemory(),
	}
}

// WithClock replaces the time source used for counter expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.Memory.WithClock(now)
	return s
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tally/memory: clone %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("tally/memory: clone %T: %v", v, err))
	}
	return out
}

func cloneAll[T any](in []*T) []*T {
	out := make([]*T, len(in))
	for i, v := range in {
		out[i] = clone(v)
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// ──────────────────────────────────────────────────
// Feature Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateFeature(_ context.Context, f *feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.features[f.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, existing := range s.features {
		if existing.OrgID == f.OrgID && existing.Env == f.Env && existing.Key == f.Key {
			return tally.ErrAlreadyExists
		}
	}
	s.features[f.ID.String()] = clone(f)
	return nil
}

func (s *Store) GetFeature(_ context.Context, orgID, env, key string) (*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.features {
		if f.OrgID == orgID && f.Env == env && f.Key == key {
			return clone(f), nil
		}
	}
	return nil, tally.ErrFeatureNotFound
}

func (s *Store) GetFeatureByID(_ context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f, ok := s.features[featureID.String()]; ok {
		return clone(f), nil
	}
	return nil, tally.ErrFeatureNotFound
}

func (s *Store) ListFeatures(_ context.Context, orgID, env string) ([]*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*feature.Feature, 0)
	for _, f := range s.features {
		if f.OrgID == orgID && f.Env == env {
			result = append(result, clone(f))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *Store) ArchiveFeature(_ context.Context, featureID id.FeatureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID.String()]
	if !ok {
		return tally.ErrFeatureNotFound
	}
	f.Archived = true
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Product Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, existing := range s.products {
		if existing.OrgID == p.OrgID && existing.Env == p.Env && existing.Key == p.Key && existing.Status == product.StatusActive {
			return tally.ErrAlreadyExists
		}
	}
	s.products[p.ID.String()] = clone(p)
	return nil
}

func (s *Store) GetProduct(_ context.Context, productID id.ProductID) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.products[productID.String()]; ok {
		return clone(p), nil
	}
	return nil, tally.ErrProductNotFound
}

func (s *Store) GetProductByKey(_ context.Context, orgID, env, key string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *product.Product
	for _, p := range s.products {
		if p.OrgID != orgID || p.Env != env || p.Key != key {
			continue
		}
		if found == nil || p.Version > found.Version {
			found = p
		}
	}
	if found == nil {
		return nil, tally.ErrProductNotFound
	}
	return clone(found), nil
}

func (s *Store) ListProducts(_ context.Context, orgID, env string, opts product.ListOpts) ([]*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*product.Product, 0)
	for _, p := range s.products {
		if p.OrgID != orgID || p.Env != env {
			continue
		}
		if opts.Group != "" && p.Group != opts.Group {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return cloneAll(page(result, opts.Limit, opts.Offset)), nil
}

func (s *Store) UpdateProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID.String()]; !exists {
		return tally.ErrProductNotFound
	}
	s.products[p.ID.String()] = clone(p)
	return nil
}

func (s *Store) ArchiveProduct(_ context.Context, productID id.ProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID.String()]
	if !ok {
		return tally.ErrProductNotFound
	}
	p.Status = product.StatusArchived
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Customer Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCustomer(_ context.Context, c *customer.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[c.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if c.ExternalID != "" {
		for _, existing := range s.customers {
			if existing.OrgID == c.OrgID && existing.Env == c.Env && existing.ExternalID == c.ExternalID {
				return tally.ErrAlreadyExists
			}
		}
	}
	s.customers[c.ID.String()] = clone(c)
	return nil
}

func (s *Store) GetCustomer(_ context.Context, customerID id.CustomerID) (*customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.customers[customerID.String()]; ok {
		return clone(c), nil
	}
	return nil, tally.ErrCustomerNotFound
}

func (s *Store) GetCustomerByExternalID(_ context.Context, orgID, env, externalID string) (*customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.OrgID == orgID && c.Env == env && c.ExternalID == externalID {
			return clone(c), nil
		}
	}
	return nil, tally.ErrCustomerNotFound
}

func (s *Store) UpdateCustomer(_ context.Context, c *customer.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[c.ID.String()]; !exists {
		return tally.ErrCustomerNotFound
	}
	s.customers[c.ID.String()] = clone(c)
	return nil
}

// DeleteCustomer removes the customer record only. Counters keyed by the
// customer survive so rate limits cannot be reset by re-creating it.
func (s *Store) DeleteCustomer(_ context.Context, customerID id.CustomerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[customerID.String()]; !exists {
		return tally.ErrCustomerNotFound
	}
	delete(s.customers, customerID.String())
	return nil
}

func (s *Store) CreateEntity(_ context.Context, e *customer.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	if _, ok := s.customers[e.CustomerID.String()]; !ok {
		return tally.ErrCustomerNotFound
	}
	s.entities[e.ID.String()] = clone(e)
	return nil
}

func (s *Store) GetEntity(_ context.Context, entityID id.EntityID) (*customer.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entities[entityID.String()]; ok {
		return clone(e), nil
	}
	return nil, tally.ErrEntityNotFound
}

func (s *Store) ListEntities(_ context.Context, customerID id.CustomerID) ([]*customer.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*customer.Entity, 0)
	for _, e := range s.entities {
		if e.CustomerID == customerID && !e.Deleted {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteEntity(_ context.Context, entityID id.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID.String()]
	if !ok {
		return tally.ErrEntityNotFound
	}
	e.Deleted = true
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Customer product Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCustomerProduct(_ context.Context, cp *subscription.CustomerProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.custProducts[cp.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	s.custProducts[cp.ID.String()] = clone(cp)
	return nil
}

func (s *Store) GetCustomerProduct(_ context.Context, cpID id.CustomerProductID) (*subscription.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cp, ok := s.custProducts[cpID.String()]; ok {
		return clone(cp), nil
	}
	return nil, tally.ErrCustomerProductNotFound
}

func sortProducts(cps []*subscription.CustomerProduct) {
	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].ID.String() < cps[j].ID.String()
	})
}

func (s *Store) ListCustomerProducts(_ context.Context, customerID id.CustomerID, opts subscription.ListOpts) ([]*subscription.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.CustomerProduct, 0)
	for _, cp := range s.custProducts {
		if cp.CustomerID != customerID {
			continue
		}
		if opts.Status != "" && cp.Status != opts.Status {
			continue
		}
		result = append(result, cp)
	}
	sortProducts(result)
	return cloneAll(page(result, opts.Limit, opts.Offset)), nil
}

func (s *Store) ListCustomerProductsBySubscription(_ context.Context, subscriptionID string) ([]*subscription.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.CustomerProduct, 0)
	for _, cp := range s.custProducts {
		if cp.HasSubscription(subscriptionID) {
			result = append(result, cp)
		}
	}
	sortProducts(result)
	return cloneAll(result), nil
}

func (s *Store) ListDueCustomerProducts(_ context.Context, before time.Time, limit int) ([]*subscription.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.CustomerProduct, 0)
	for _, cp := range s.custProducts {
		if cp.IsDue(before) {
			result = append(result, cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextTransition().Before(result[j].NextTransition())
	})
	return cloneAll(page(result, limit, 0)), nil
}

func (s *Store) UpdateCustomerProduct(_ context.Context, cp *subscription.CustomerProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.custProducts[cp.ID.String()]; !exists {
		return tally.ErrCustomerProductNotFound
	}
	s.custProducts[cp.ID.String()] = clone(cp)
	return nil
}

func (s *Store) DeleteCustomerProduct(_ context.Context, cpID id.CustomerProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.custProducts[cpID.String()]; !exists {
		return tally.ErrCustomerProductNotFound
	}
	delete(s.custProducts, cpID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement Store implementation
// ──────────────────────────────────────────────────

func sortEntitlements(ces []*entitlement.CustomerEntitlement) {
	sort.Slice(ces, func(i, j int) bool {
		if !ces[i].CreatedAt.Equal(ces[j].CreatedAt) {
			return ces[i].CreatedAt.Before(ces[j].CreatedAt)
		}
		return ces[i].ID.String() < ces[j].ID.String()
	})
}

func (s *Store) CreateEntitlements(_ context.Context, ces []*entitlement.CustomerEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ce := range ces {
		if _, exists := s.entitlements[ce.ID.String()]; exists {
			return tally.ErrAlreadyExists
		}
	}
	for _, ce := range ces {
		s.entitlements[ce.ID.String()] = clone(ce)
	}
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, ceID id.CustomerEntitlementID) (*entitlement.CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ce, ok := s.entitlements[ceID.String()]; ok {
		return clone(ce), nil
	}
	return nil, tally.ErrEntitlementNotFound
}

func (s *Store) ListEntitlementsByCustomerProduct(_ context.Context, cpID id.CustomerProductID) ([]*entitlement.CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.CustomerEntitlement, 0)
	for _, ce := range s.entitlements {
		if ce.CustomerProductID == cpID {
			result = append(result, ce)
		}
	}
	sortEntitlements(result)
	return cloneAll(result), nil
}

func (s *Store) ListEntitlements(_ context.Context, customerID id.CustomerID, featureKey string) ([]*entitlement.CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.CustomerEntitlement, 0)
	for _, ce := range s.entitlements {
		if ce.CustomerID != customerID {
			continue
		}
		if featureKey != "" && ce.FeatureKey != featureKey {
			continue
		}
		result = append(result, ce)
	}
	sortEntitlements(result)
	return cloneAll(result), nil
}

func (s *Store) ListEntitlementsDueForReset(_ context.Context, before time.Time, limit int) ([]*entitlement.CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.CustomerEntitlement, 0)
	for _, ce := range s.entitlements {
		if entitlement.DueForReset(ce, before) {
			result = append(result, ce)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextResetAt.Before(*result[j].NextResetAt) })
	return cloneAll(page(result, limit, 0)), nil
}

// UpdateEntitlements replaces every row or none.
func (s *Store) UpdateEntitlements(_ context.Context, ces []*entitlement.CustomerEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ce := range ces {
		if _, exists := s.entitlements[ce.ID.String()]; !exists {
			return tally.ErrEntitlementNotFound
		}
	}
	for _, ce := range ces {
		s.entitlements[ce.ID.String()] = clone(ce)
	}
	return nil
}

func (s *Store) DeleteEntitlementsByCustomerProduct(_ context.Context, cpID id.CustomerProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ce := range s.entitlements {
		if ce.CustomerProductID == cpID {
			delete(s.entitlements, key)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Usage Store implementation
// ──────────────────────────────────────────────────

func idempotencyKey(customerID id.CustomerID, key string) string {
	return customerID.String() + "/" + key
}

func (s *Store) RecordUsage(_ context.Context, e *meter.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		k := idempotencyKey(e.CustomerID, e.IdempotencyKey)
		if _, seen := s.idempotency[k]; seen {
			return tally.ErrDuplicateEvent
		}
		s.idempotency[k] = struct{}{}
	}
	s.usageEvents = append(s.usageEvents, clone(e))
	return nil
}

func (s *Store) GetUsageByIdempotencyKey(_ context.Context, customerID id.CustomerID, key string) (*meter.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.usageEvents {
		if e.CustomerID == customerID && e.IdempotencyKey == key {
			return clone(e), nil
		}
	}
	return nil, tally.ErrNotFound
}

func (s *Store) QueryUsage(_ context.Context, customerID id.CustomerID, opts meter.QueryOpts) ([]*meter.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*meter.Event, 0)
	for _, e := range s.usageEvents {
		if e.CustomerID != customerID {
			continue
		}
		if opts.FeatureKey != "" && e.FeatureKey != opts.FeatureKey {
			continue
		}
		if !opts.EntityID.IsNil() && e.EntityID != opts.EntityID {
			continue
		}
		if !opts.Start.IsZero() && e.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !e.Timestamp.Before(opts.End) {
			continue
		}
		result = append(result, e)
	}
	return cloneAll(page(result, opts.Limit, opts.Offset)), nil
}

func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usageEvents[:0]
	var purged int64
	for _, e := range s.usageEvents {
		if e.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.usageEvents = kept
	return purged, nil
}

func (s *Store) DeleteUsage(_ context.Context, eventID id.UsageEventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usageEvents[:0]
	for _, e := range s.usageEvents {
		if e.ID == eventID {
			if e.IdempotencyKey != "" {
				delete(s.idempotency, idempotencyKey(e.CustomerID, e.IdempotencyKey))
			}
			continue
		}
		kept = append(kept, e)
	}
	s.usageEvents = kept
	return nil
}

// ──────────────────────────────────────────────────
// Invoice Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	s.invoices[inv.ID.String()] = clone(inv)
	return nil
}

func (s *Store) GetInvoice(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[invID.String()]; ok {
		return clone(inv), nil
	}
	return nil, tally.ErrInvoiceNotFound
}

func (s *Store) GetInvoiceByProviderID(_ context.Context, providerID string) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if inv.ProviderID == providerID {
			return clone(inv), nil
		}
	}
	return nil, tally.ErrInvoiceNotFound
}

func (s *Store) ListInvoices(_ context.Context, customerID id.CustomerID, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*invoice.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.CustomerID != customerID {
			continue
		}
		if opts.Status != "" && inv.Status != opts.Status {
			continue
		}
		if !opts.Start.IsZero() && inv.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !inv.CreatedAt.Before(opts.End) {
			continue
		}
		result = append(result, inv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return cloneAll(page(result, opts.Limit, opts.Offset)), nil
}

func (s *Store) UpdateInvoice(_ context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID.String()]; !exists {
		return tally.ErrInvoiceNotFound
	}
	s.invoices[inv.ID.String()] = clone(inv)
	return nil
}

func (s *Store) MarkInvoicePaid(_ context.Context, invID id.InvoiceID, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invID.String()]
	if !ok {
		return tally.ErrInvoiceNotFound
	}
	if inv.Status == invoice.StatusVoided {
		return tally.ErrInvoiceVoided
	}
	inv.Status = invoice.StatusPaid
	inv.PaidAt = &paidAt
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkInvoiceVoided(_ context.Context, invID id.InvoiceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invID.String()]
	if !ok {
		return tally.ErrInvoiceNotFound
	}
	if inv.Status == invoice.StatusPaid {
		return tally.ErrInvoicePaid
	}
	now := time.Now().UTC()
	inv.Status = invoice.StatusVoided
	inv.VoidedAt = &now
	inv.VoidReason = reason
	inv.UpdatedAt = now
	return nil
}

// ──────────────────────────────────────────────────
// Coupon Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCoupon(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.coupons[c.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	for _, existing := range s.coupons {
		if existing.OrgID == c.OrgID && existing.Env == c.Env && existing.Code == c.Code {
			return tally.ErrAlreadyExists
		}
	}
	s.coupons[c.ID.String()] = clone(c)
	return nil
}

func (s *Store) GetCoupon(_ context.Context, orgID, env, code string) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.coupons {
		if c.OrgID == orgID && c.Env == env && c.Code == code {
			return clone(c), nil
		}
	}
	return nil, tally.ErrCouponNotFound
}

func (s *Store) GetCouponByID(_ context.Context, couponID id.CouponID) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.coupons[couponID.String()]; ok {
		return clone(c), nil
	}
	return nil, tally.ErrCouponNotFound
}

func (s *Store) ListCoupons(_ context.Context, orgID, env string, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]*coupon.Coupon, 0)
	for _, c := range s.coupons {
		if c.OrgID != orgID || c.Env != env {
			continue
		}
		if opts.Active && !c.IsRedeemable(now) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return cloneAll(page(result, opts.Limit, opts.Offset)), nil
}

func (s *Store) UpdateCoupon(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.coupons[c.ID.String()]; !exists {
		return tally.ErrCouponNotFound
	}
	s.coupons[c.ID.String()] = clone(c)
	return nil
}

func (s *Store) DeleteCoupon(_ context.Context, couponID id.CouponID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.coupons[couponID.String()]; !exists {
		return tally.ErrCouponNotFound
	}
	delete(s.coupons, couponID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
