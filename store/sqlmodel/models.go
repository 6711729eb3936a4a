// Package sqlmodel holds the grove row models shared by the relational
// store backends, and their conversions to and from domain types.
// JSON columns are raw bytes so the same model scans under postgres (jsonb)
// and sqlite (text).
package sqlmodel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func marshal(v any) json.RawMessage {
	data, _ := json.Marshal(v) //nolint:errcheck // domain types always encode
	return data
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseOptionalID(s string) (id.ID, error) {
	if s == "" {
		return id.ID{}, nil
	}
	return id.Parse(s)
}

func optionalID(i id.ID) string {
	if i.IsNil() {
		return ""
	}
	return i.String()
}

func entity(created, updated time.Time) types.Entity {
	return types.Entity{CreatedAt: created, UpdatedAt: updated}
}

// ==================== Feature models ====================

type FeatureModel struct {
	grove.BaseModel `grove:"table:tally_features"`

	ID           string          `grove:"id,pk"`
	OrgID        string          `grove:"org_id"`
	Env          string          `grove:"env"`
	Key          string          `grove:"key"`
	Name         string          `grove:"name"`
	Type         string          `grove:"type"`
	UsageType    string          `grove:"usage_type"`
	Aggregation  json.RawMessage `grove:"aggregation,type:jsonb"`
	CreditSchema json.RawMessage `grove:"credit_schema,type:jsonb"`
	Archived     bool            `grove:"archived"`
	Metadata     json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt    time.Time       `grove:"created_at"`
	UpdatedAt    time.Time       `grove:"updated_at"`
}

func ToFeatureModel(f *feature.Feature) *FeatureModel {
	return &FeatureModel{
		ID:           f.ID.String(),
		OrgID:        f.OrgID,
		Env:          f.Env,
		Key:          f.Key,
		Name:         f.Name,
		Type:         string(f.Type),
		UsageType:    string(f.UsageType),
		Aggregation:  marshal(f.Aggregation),
		CreditSchema: marshal(f.CreditSchema),
		Archived:     f.Archived,
		Metadata:     marshal(f.Metadata),
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

func FromFeatureModel(m *FeatureModel) (*feature.Feature, error) {
	featureID, err := id.ParseFeatureID(m.ID)
	if err != nil {
		return nil, err
	}
	f := &feature.Feature{
		Entity:    entity(m.CreatedAt, m.UpdatedAt),
		ID:        featureID,
		OrgID:     m.OrgID,
		Env:       m.Env,
		Key:       m.Key,
		Name:      m.Name,
		Type:      feature.Type(m.Type),
		UsageType: feature.UsageType(m.UsageType),
		Archived:  m.Archived,
	}
	if err := unmarshal(m.Aggregation, &f.Aggregation); err != nil {
		return nil, fmt.Errorf("feature %s aggregation: %w", m.ID, err)
	}
	if err := unmarshal(m.CreditSchema, &f.CreditSchema); err != nil {
		return nil, fmt.Errorf("feature %s credit schema: %w", m.ID, err)
	}
	if err := unmarshal(m.Metadata, &f.Metadata); err != nil {
		return nil, err
	}
	return f, nil
}

// ==================== Product models ====================

type ProductModel struct {
	grove.BaseModel `grove:"table:tally_products"`

	ID          string          `grove:"id,pk"`
	OrgID       string          `grove:"org_id"`
	Env         string          `grove:"env"`
	Key         string          `grove:"key"`
	Name        string          `grove:"name"`
	Description string          `grove:"description"`
	GroupName   string          `grove:"group_name"`
	Currency    string          `grove:"currency"`
	IsAddOn     bool            `grove:"is_add_on"`
	IsDefault   bool            `grove:"is_default"`
	FreeTrial   json.RawMessage `grove:"free_trial,type:jsonb"`
	Items       json.RawMessage `grove:"items,type:jsonb"`
	Status      string          `grove:"status"`
	Version     int             `grove:"version"`
	ProviderID  string          `grove:"provider_id"`
	Metadata    json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time       `grove:"created_at"`
	UpdatedAt   time.Time       `grove:"updated_at"`
}

func ToProductModel(p *product.Product) *ProductModel {
	return &ProductModel{
		ID:          p.ID.String(),
		OrgID:       p.OrgID,
		Env:         p.Env,
		Key:         p.Key,
		Name:        p.Name,
		Description: p.Description,
		GroupName:   p.Group,
		Currency:    p.Currency,
		IsAddOn:     p.IsAddOn,
		IsDefault:   p.IsDefault,
		FreeTrial:   marshal(p.FreeTrial),
		Items:       marshal(p.Items),
		Status:      string(p.Status),
		Version:     p.Version,
		ProviderID:  p.ProviderID,
		Metadata:    marshal(p.Metadata),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func FromProductModel(m *ProductModel) (*product.Product, error) {
	productID, err := id.ParseProductID(m.ID)
	if err != nil {
		return nil, err
	}
	p := &product.Product{
		Entity:      entity(m.CreatedAt, m.UpdatedAt),
		ID:          productID,
		OrgID:       m.OrgID,
		Env:         m.Env,
		Key:         m.Key,
		Name:        m.Name,
		Description: m.Description,
		Group:       m.GroupName,
		Currency:    m.Currency,
		IsAddOn:     m.IsAddOn,
		IsDefault:   m.IsDefault,
		Status:      product.Status(m.Status),
		Version:     m.Version,
		ProviderID:  m.ProviderID,
	}
	if err := unmarshal(m.FreeTrial, &p.FreeTrial); err != nil {
		return nil, err
	}
	if err := unmarshal(m.Items, &p.Items); err != nil {
		return nil, fmt.Errorf("product %s items: %w", m.ID, err)
	}
	if err := unmarshal(m.Metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

// ==================== Customer models ====================

type CustomerModel struct {
	grove.BaseModel `grove:"table:tally_customers"`

	ID         string          `grove:"id,pk"`
	OrgID      string          `grove:"org_id"`
	Env        string          `grove:"env"`
	ExternalID string          `grove:"external_id"`
	Name       string          `grove:"name"`
	Email      string          `grove:"email"`
	ProviderID string          `grove:"provider_id"`
	AutoTopups json.RawMessage `grove:"auto_topups,type:jsonb"`
	Metadata   json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt  time.Time       `grove:"created_at"`
	UpdatedAt  time.Time       `grove:"updated_at"`
}

func ToCustomerModel(c *customer.Customer) *CustomerModel {
	return &CustomerModel{
		ID:         c.ID.String(),
		OrgID:      c.OrgID,
		Env:        c.Env,
		ExternalID: c.ExternalID,
		Name:       c.Name,
		Email:      c.Email,
		ProviderID: c.ProviderID,
		AutoTopups: marshal(c.AutoTopups),
		Metadata:   marshal(c.Metadata),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func FromCustomerModel(m *CustomerModel) (*customer.Customer, error) {
	customerID, err := id.ParseCustomerID(m.ID)
	if err != nil {
		return nil, err
	}
	c := &customer.Customer{
		Entity:     entity(m.CreatedAt, m.UpdatedAt),
		ID:         customerID,
		OrgID:      m.OrgID,
		Env:        m.Env,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		Email:      m.Email,
		ProviderID: m.ProviderID,
	}
	if err := unmarshal(m.AutoTopups, &c.AutoTopups); err != nil {
		return nil, fmt.Errorf("customer %s auto top-ups: %w", m.ID, err)
	}
	if err := unmarshal(m.Metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return c, nil
}

type EntityModel struct {
	grove.BaseModel `grove:"table:tally_entities"`

	ID         string          `grove:"id,pk"`
	CustomerID string          `grove:"customer_id"`
	ExternalID string          `grove:"external_id"`
	Name       string          `grove:"name"`
	FeatureKey string          `grove:"feature_key"`
	Deleted    bool            `grove:"deleted"`
	Metadata   json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt  time.Time       `grove:"created_at"`
	UpdatedAt  time.Time       `grove:"updated_at"`
}

func ToEntityModel(e *customer.Entity) *EntityModel {
	return &EntityModel{
		ID:         e.ID.String(),
		CustomerID: e.CustomerID.String(),
		ExternalID: e.ExternalID,
		Name:       e.Name,
		FeatureKey: e.FeatureKey,
		Deleted:    e.Deleted,
		Metadata:   marshal(e.Metadata),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

func FromEntityModel(m *EntityModel) (*customer.Entity, error) {
	entityID, err := id.ParseEntityID(m.ID)
	if err != nil {
		return nil, err
	}
	customerID, err := id.ParseCustomerID(m.CustomerID)
	if err != nil {
		return nil, err
	}
	e := &customer.Entity{
		Entity:     entity(m.CreatedAt, m.UpdatedAt),
		ID:         entityID,
		CustomerID: customerID,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		FeatureKey: m.FeatureKey,
		Deleted:    m.Deleted,
	}
	if err := unmarshal(m.Metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Customer product models ====================

type CustomerProductModel struct {
	grove.BaseModel `grove:"table:tally_customer_products"`

	ID                 string          `grove:"id,pk"`
	CustomerID         string          `grove:"customer_id"`
	EntityID           string          `grove:"entity_id"`
	ProductID          string          `grove:"product_id"`
	ProductKey         string          `grove:"product_key"`
	GroupName          string          `grove:"group_name"`
	IsAddOn            bool            `grove:"is_add_on"`
	Currency           string          `grove:"currency"`
	Items              json.RawMessage `grove:"items,type:jsonb"`
	Prices             json.RawMessage `grove:"prices,type:jsonb"`
	Options            json.RawMessage `grove:"options,type:jsonb"`
	Quantity           int64           `grove:"quantity"`
	Status             string          `grove:"status"`
	StartsAt           time.Time       `grove:"starts_at"`
	TrialEndsAt        *time.Time      `grove:"trial_ends_at"`
	CanceledAt         *time.Time      `grove:"canceled_at"`
	EndedAt            *time.Time      `grove:"ended_at"`
	BillingInterval    string          `grove:"billing_interval"`
	CurrentPeriodStart time.Time       `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time       `grove:"current_period_end"`
	SubscriptionIDs    json.RawMessage `grove:"subscription_ids,type:jsonb"`
	ScheduleIDs        json.RawMessage `grove:"schedule_ids,type:jsonb"`
	// NextTransitionAt is derived on write so the renewal worker can
	// query an index instead of evaluating every status.
	NextTransitionAt *time.Time      `grove:"next_transition_at"`
	OrgID            string          `grove:"org_id"`
	Env              string          `grove:"env"`
	Metadata         json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt        time.Time       `grove:"created_at"`
	UpdatedAt        time.Time       `grove:"updated_at"`
}

func ToCustomerProductModel(cp *subscription.CustomerProduct) *CustomerProductModel {
	var next *time.Time
	if t := cp.NextTransition(); !t.IsZero() {
		next = &t
	}
	subs := cp.SubscriptionIDs
	if subs == nil {
		subs = []string{}
	}
	return &CustomerProductModel{
		ID:                 cp.ID.String(),
		CustomerID:         cp.CustomerID.String(),
		EntityID:           optionalID(cp.EntityID),
		ProductID:          cp.ProductID.String(),
		ProductKey:         cp.ProductKey,
		GroupName:          cp.Group,
		IsAddOn:            cp.IsAddOn,
		Currency:           cp.Currency,
		Items:              marshal(cp.Items),
		Prices:             marshal(cp.Prices),
		Options:            marshal(cp.Options),
		Quantity:           cp.Quantity,
		Status:             string(cp.Status),
		StartsAt:           cp.StartsAt,
		TrialEndsAt:        cp.TrialEndsAt,
		CanceledAt:         cp.CanceledAt,
		EndedAt:            cp.EndedAt,
		BillingInterval:    string(cp.BillingInterval),
		CurrentPeriodStart: cp.CurrentPeriodStart,
		CurrentPeriodEnd:   cp.CurrentPeriodEnd,
		SubscriptionIDs:    marshal(subs),
		ScheduleIDs:        marshal(cp.ScheduleIDs),
		NextTransitionAt:   next,
		OrgID:              cp.OrgID,
		Env:                cp.Env,
		Metadata:           marshal(cp.Metadata),
		CreatedAt:          cp.CreatedAt,
		UpdatedAt:          cp.UpdatedAt,
	}
}

func FromCustomerProductModel(m *CustomerProductModel) (*subscription.CustomerProduct, error) {
	cpID, err := id.ParseCustomerProductID(m.ID)
	if err != nil {
		return nil, err
	}
	customerID, err := id.ParseCustomerID(m.CustomerID)
	if err != nil {
		return nil, err
	}
	entityID, err := parseOptionalID(m.EntityID)
	if err != nil {
		return nil, err
	}
	productID, err := id.ParseProductID(m.ProductID)
	if err != nil {
		return nil, err
	}
	cp := &subscription.CustomerProduct{
		Entity:             entity(m.CreatedAt, m.UpdatedAt),
		ID:                 cpID,
		CustomerID:         customerID,
		EntityID:           entityID,
		ProductID:          productID,
		ProductKey:         m.ProductKey,
		Group:              m.GroupName,
		IsAddOn:            m.IsAddOn,
		Currency:           m.Currency,
		Quantity:           m.Quantity,
		Status:             subscription.Status(m.Status),
		StartsAt:           m.StartsAt,
		TrialEndsAt:        m.TrialEndsAt,
		CanceledAt:         m.CanceledAt,
		EndedAt:            m.EndedAt,
		BillingInterval:    types.Interval(m.BillingInterval),
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		OrgID:              m.OrgID,
		Env:                m.Env,
	}
	for _, f := range []struct {
		data json.RawMessage
		dst  any
	}{
		{m.Items, &cp.Items},
		{m.Prices, &cp.Prices},
		{m.Options, &cp.Options},
		{m.SubscriptionIDs, &cp.SubscriptionIDs},
		{m.ScheduleIDs, &cp.ScheduleIDs},
		{m.Metadata, &cp.Metadata},
	} {
		if err := unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("customer product %s: %w", m.ID, err)
		}
	}
	return cp, nil
}

// ==================== Entitlement models ====================

type EntitlementModel struct {
	grove.BaseModel `grove:"table:tally_customer_entitlements"`

	ID                string     `grove:"id,pk"`
	CustomerProductID string     `grove:"customer_product_id"`
	CustomerID        string     `grove:"customer_id"`
	EntityID          string     `grove:"entity_id"`
	ItemID            string     `grove:"item_id"`
	FeatureKey        string     `grove:"feature_key"`
	FeatureType       string     `grove:"feature_type"`
	Model             string     `grove:"model"`
	BillingInterval   string     `grove:"billing_interval"`
	Granted           string     `grove:"granted"`
	Purchased         string     `grove:"purchased"`
	Balance           string     `grove:"balance"`
	Unlimited         bool       `grove:"unlimited"`
	UsageAllowed      bool       `grove:"usage_allowed"`
	MinBalance        *string    `grove:"min_balance"`
	ResetInterval     string     `grove:"reset_interval"`
	NextResetAt       *time.Time `grove:"next_reset_at"`
	OrgID             string     `grove:"org_id"`
	Env               string     `grove:"env"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func ToEntitlementModel(ce *entitlement.CustomerEntitlement) *EntitlementModel {
	m := &EntitlementModel{
		ID:                ce.ID.String(),
		CustomerProductID: ce.CustomerProductID.String(),
		CustomerID:        ce.CustomerID.String(),
		EntityID:          optionalID(ce.EntityID),
		ItemID:            optionalID(ce.ItemID),
		FeatureKey:        ce.FeatureKey,
		FeatureType:       string(ce.FeatureType),
		Model:             string(ce.Model),
		BillingInterval:   string(ce.BillingInterval),
		Granted:           ce.Granted.String(),
		Purchased:         ce.Purchased.String(),
		Balance:           ce.Balance.String(),
		Unlimited:         ce.Unlimited,
		UsageAllowed:      ce.UsageAllowed,
		ResetInterval:     string(ce.ResetInterval),
		NextResetAt:       ce.NextResetAt,
		OrgID:             ce.OrgID,
		Env:               ce.Env,
		CreatedAt:         ce.CreatedAt,
		UpdatedAt:         ce.UpdatedAt,
	}
	if ce.MinBalance != nil {
		s := ce.MinBalance.String()
		m.MinBalance = &s
	}
	return m
}

func FromEntitlementModel(m *EntitlementModel) (*entitlement.CustomerEntitlement, error) {
	ceID, err := id.ParseCustomerEntitlementID(m.ID)
	if err != nil {
		return nil, err
	}
	cpID, err := id.ParseCustomerProductID(m.CustomerProductID)
	if err != nil {
		return nil, err
	}
	customerID, err := id.ParseCustomerID(m.CustomerID)
	if err != nil {
		return nil, err
	}
	entityID, err := parseOptionalID(m.EntityID)
	if err != nil {
		return nil, err
	}
	itemID, err := parseOptionalID(m.ItemID)
	if err != nil {
		return nil, err
	}
	ce := &entitlement.CustomerEntitlement{
		Entity:            entity(m.CreatedAt, m.UpdatedAt),
		ID:                ceID,
		CustomerProductID: cpID,
		CustomerID:        customerID,
		EntityID:          entityID,
		ItemID:            itemID,
		FeatureKey:        m.FeatureKey,
		FeatureType:       feature.Type(m.FeatureType),
		Model:             product.PricingModel(m.Model),
		BillingInterval:   types.Interval(m.BillingInterval),
		Unlimited:         m.Unlimited,
		UsageAllowed:      m.UsageAllowed,
		ResetInterval:     types.Interval(m.ResetInterval),
		NextResetAt:       m.NextResetAt,
		OrgID:             m.OrgID,
		Env:               m.Env,
	}
	if ce.Granted, err = parseDecimal(m.Granted); err != nil {
		return nil, fmt.Errorf("entitlement %s granted: %w", m.ID, err)
	}
	if ce.Purchased, err = parseDecimal(m.Purchased); err != nil {
		return nil, fmt.Errorf("entitlement %s purchased: %w", m.ID, err)
	}
	if ce.Balance, err = parseDecimal(m.Balance); err != nil {
		return nil, fmt.Errorf("entitlement %s balance: %w", m.ID, err)
	}
	if m.MinBalance != nil {
		floor, err := parseDecimal(*m.MinBalance)
		if err != nil {
			return nil, fmt.Errorf("entitlement %s min balance: %w", m.ID, err)
		}
		ce.MinBalance = &floor
	}
	return ce, nil
}

// ==================== Usage models ====================

type UsageEventModel struct {
	grove.BaseModel `grove:"table:tally_usage_events"`

	ID             string          `grove:"id,pk"`
	OrgID          string          `grove:"org_id"`
	Env            string          `grove:"env"`
	CustomerID     string          `grove:"customer_id"`
	EntityID       string          `grove:"entity_id"`
	FeatureKey     string          `grove:"feature_key"`
	Value          string          `grove:"value"`
	Properties     json.RawMessage `grove:"properties,type:jsonb"`
	Timestamp      time.Time       `grove:"timestamp"`
	IdempotencyKey string          `grove:"idempotency_key"`
	Metadata       json.RawMessage `grove:"metadata,type:jsonb"`
}

func ToUsageEventModel(e *meter.Event) *UsageEventModel {
	return &UsageEventModel{
		ID:             e.ID.String(),
		OrgID:          e.OrgID,
		Env:            e.Env,
		CustomerID:     e.CustomerID.String(),
		EntityID:       optionalID(e.EntityID),
		FeatureKey:     e.FeatureKey,
		Value:          e.Value.String(),
		Properties:     marshal(e.Properties),
		Timestamp:      e.Timestamp,
		IdempotencyKey: e.IdempotencyKey,
		Metadata:       marshal(e.Metadata),
	}
}

func FromUsageEventModel(m *UsageEventModel) (*meter.Event, error) {
	eventID, err := id.ParseUsageEventID(m.ID)
	if err != nil {
		return nil, err
	}
	customerID, err := id.ParseCustomerID(m.CustomerID)
	if err != nil {
		return nil, err
	}
	entityID, err := parseOptionalID(m.EntityID)
	if err != nil {
		return nil, err
	}
	value, err := parseDecimal(m.Value)
	if err != nil {
		return nil, err
	}
	e := &meter.Event{
		ID:             eventID,
		OrgID:          m.OrgID,
		Env:            m.Env,
		CustomerID:     customerID,
		EntityID:       entityID,
		FeatureKey:     m.FeatureKey,
		Value:          value,
		Timestamp:      m.Timestamp,
		IdempotencyKey: m.IdempotencyKey,
	}
	if err := unmarshal(m.Properties, &e.Properties); err != nil {
		return nil, err
	}
	if err := unmarshal(m.Metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Invoice models ====================

type InvoiceModel struct {
	grove.BaseModel `grove:"table:tally_invoices"`

	ID                 string          `grove:"id,pk"`
	CustomerID         string          `grove:"customer_id"`
	EntityID           string          `grove:"entity_id"`
	CustomerProductIDs json.RawMessage `grove:"customer_product_ids,type:jsonb"`
	Reason             string          `grove:"reason"`
	Status             string          `grove:"status"`
	Currency           string          `grove:"currency"`
	SubtotalAmount     int64           `grove:"subtotal_amount"`
	DiscountAmount     int64           `grove:"discount_amount"`
	TotalAmount        int64           `grove:"total_amount"`
	LineItems          json.RawMessage `grove:"line_items,type:jsonb"`
	CouponID           string          `grove:"coupon_id"`
	PeriodStart        time.Time       `grove:"period_start"`
	PeriodEnd          time.Time       `grove:"period_end"`
	PaidAt             *time.Time      `grove:"paid_at"`
	VoidedAt           *time.Time      `grove:"voided_at"`
	VoidReason         string          `grove:"void_reason"`
	SubscriptionID     string          `grove:"subscription_id"`
	ProviderID         string          `grove:"provider_id"`
	OrgID              string          `grove:"org_id"`
	Env                string          `grove:"env"`
	Metadata           json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt          time.Time       `grove:"created_at"`
	UpdatedAt          time.Time       `grove:"updated_at"`
}

func ToInvoiceModel(inv *invoice.Invoice) *InvoiceModel {
	return &InvoiceModel{
		ID:                 inv.ID.String(),
		CustomerID:         inv.CustomerID.String(),
		EntityID:           optionalID(inv.EntityID),
		CustomerProductIDs: marshal(inv.CustomerProductIDs),
		Reason:             string(inv.Reason),
		Status:             string(inv.Status),
		Currency:           inv.Currency,
		SubtotalAmount:     inv.Subtotal.Amount,
		DiscountAmount:     inv.DiscountAmount.Amount,
		TotalAmount:        inv.Total.Amount,
		LineItems:          marshal(inv.LineItems),
		CouponID:           optionalID(inv.CouponID),
		PeriodStart:        inv.PeriodStart,
		PeriodEnd:          inv.PeriodEnd,
		PaidAt:             inv.PaidAt,
		VoidedAt:           inv.VoidedAt,
		VoidReason:         inv.VoidReason,
		SubscriptionID:     inv.SubscriptionID,
		ProviderID:         inv.ProviderID,
		OrgID:              inv.OrgID,
		Env:                inv.Env,
		Metadata:           marshal(inv.Metadata),
		CreatedAt:          inv.CreatedAt,
		UpdatedAt:          inv.UpdatedAt,
	}
}

func FromInvoiceModel(m *InvoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}
	customerID, err := id.ParseCustomerID(m.CustomerID)
	if err != nil {
		return nil, err
	}
	entityID, err := parseOptionalID(m.EntityID)
	if err != nil {
		return nil, err
	}
	couponID, err := parseOptionalID(m.CouponID)
	if err != nil {
		return nil, err
	}
	inv := &invoice.Invoice{
		Entity:         entity(m.CreatedAt, m.UpdatedAt),
		ID:             invID,
		CustomerID:     customerID,
		EntityID:       entityID,
		Reason:         invoice.Reason(m.Reason),
		Status:         invoice.Status(m.Status),
		Currency:       m.Currency,
		Subtotal:       types.Money{Amount: m.SubtotalAmount, Currency: m.Currency},
		DiscountAmount: types.Money{Amount: m.DiscountAmount, Currency: m.Currency},
		Total:          types.Money{Amount: m.TotalAmount, Currency: m.Currency},
		CouponID:       couponID,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		PaidAt:         m.PaidAt,
		VoidedAt:       m.VoidedAt,
		VoidReason:     m.VoidReason,
		SubscriptionID: m.SubscriptionID,
		ProviderID:     m.ProviderID,
		OrgID:          m.OrgID,
		Env:            m.Env,
	}
	if err := unmarshal(m.CustomerProductIDs, &inv.CustomerProductIDs); err != nil {
		return nil, err
	}
	if err := unmarshal(m.LineItems, &inv.LineItems); err != nil {
		return nil, fmt.Errorf("invoice %s line items: %w", m.ID, err)
	}
	if err := unmarshal(m.Metadata, &inv.Metadata); err != nil {
		return nil, err
	}
	return inv, nil
}

// ==================== Coupon models ====================

type CouponModel struct {
	grove.BaseModel `grove:"table:tally_coupons"`

	ID             string          `grove:"id,pk"`
	OrgID          string          `grove:"org_id"`
	Env            string          `grove:"env"`
	Code           string          `grove:"code"`
	Name           string          `grove:"name"`
	Type           string          `grove:"type"`
	Amount         int64           `grove:"amount"`
	Percentage     int             `grove:"percentage"`
	Currency       string          `grove:"currency"`
	MaxRedemptions int             `grove:"max_redemptions"`
	TimesRedeemed  int             `grove:"times_redeemed"`
	ValidFrom      *time.Time      `grove:"valid_from"`
	ValidUntil     *time.Time      `grove:"valid_until"`
	ProviderID     string          `grove:"provider_id"`
	Metadata       json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time       `grove:"created_at"`
	UpdatedAt      time.Time       `grove:"updated_at"`
}

func ToCouponModel(c *coupon.Coupon) *CouponModel {
	return &CouponModel{
		ID:             c.ID.String(),
		OrgID:          c.OrgID,
		Env:            c.Env,
		Code:           c.Code,
		Name:           c.Name,
		Type:           string(c.Type),
		Amount:         c.Amount.Amount,
		Percentage:     c.Percentage,
		Currency:       c.Currency,
		MaxRedemptions: c.MaxRedemptions,
		TimesRedeemed:  c.TimesRedeemed,
		ValidFrom:      c.ValidFrom,
		ValidUntil:     c.ValidUntil,
		ProviderID:     c.ProviderID,
		Metadata:       marshal(c.Metadata),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func FromCouponModel(m *CouponModel) (*coupon.Coupon, error) {
	couponID, err := id.ParseCouponID(m.ID)
	if err != nil {
		return nil, err
	}
	c := &coupon.Coupon{
		Entity:         entity(m.CreatedAt, m.UpdatedAt),
		ID:             couponID,
		OrgID:          m.OrgID,
		Env:            m.Env,
		Code:           m.Code,
		Name:           m.Name,
		Type:           coupon.CouponType(m.Type),
		Amount:         types.Money{Amount: m.Amount, Currency: m.Currency},
		Percentage:     m.Percentage,
		Currency:       m.Currency,
		MaxRedemptions: m.MaxRedemptions,
		TimesRedeemed:  m.TimesRedeemed,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		ProviderID:     m.ProviderID,
	}
	if err := unmarshal(m.Metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return c, nil
}

// ==================== Counter models ====================

type CounterModel struct {
	grove.BaseModel `grove:"table:tally_counters"`

	Key       string     `grove:"key,pk"`
	Value     int64      `grove:"value"`
	ExpiresAt *time.Time `grove:"expires_at"`
}

// ExpiresAt returns the expiry for a counter first incremented at now.
func ExpiresAt(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
