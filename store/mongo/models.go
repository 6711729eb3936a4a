package mongo

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/grove"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/store/sqlmodel"
	"github.com/xraph/tally/subscription"
)

// Documents reuse the sqlmodel row conversions. Nested JSON values are
// stored as native BSON so they stay readable and queryable in mongo.

// toBSON converts a JSON value to its BSON equivalent.
func toBSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	doc := make([]byte, 0, len(raw)+6)
	doc = append(doc, `{"v":`...)
	doc = append(doc, raw...)
	doc = append(doc, '}')

	var w struct {
		V any `bson:"v"`
	}
	if err := bson.UnmarshalExtJSON(doc, false, &w); err != nil {
		return nil
	}
	return w.V
}

// fromBSON converts a decoded BSON value back to JSON.
func fromBSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
	if err != nil {
		return nil
	}
	var w struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil
	}
	return w.V
}

// ==================== Feature models ====================

type featureModel struct {
	grove.BaseModel `grove:"table:tally_features"`

	ID           string    `grove:"id,pk"         bson:"_id"`
	OrgID        string    `grove:"org_id"        bson:"org_id"`
	Env          string    `grove:"env"           bson:"env"`
	Key          string    `grove:"key"           bson:"key"`
	Name         string    `grove:"name"          bson:"name"`
	Type         string    `grove:"type"          bson:"type"`
	UsageType    string    `grove:"usage_type"    bson:"usage_type"`
	Aggregation  any       `grove:"aggregation"   bson:"aggregation,omitempty"`
	CreditSchema any       `grove:"credit_schema" bson:"credit_schema,omitempty"`
	Archived     bool      `grove:"archived"      bson:"archived"`
	Metadata     any       `grove:"metadata"      bson:"metadata,omitempty"`
	CreatedAt    time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toFeatureModel(f *feature.Feature) *featureModel {
	r := sqlmodel.ToFeatureModel(f)
	return &featureModel{
		ID:           r.ID,
		OrgID:        r.OrgID,
		Env:          r.Env,
		Key:          r.Key,
		Name:         r.Name,
		Type:         r.Type,
		UsageType:    r.UsageType,
		Aggregation:  toBSON(r.Aggregation),
		CreditSchema: toBSON(r.CreditSchema),
		Archived:     r.Archived,
		Metadata:     toBSON(r.Metadata),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromFeatureModel(m *featureModel) (*feature.Feature, error) {
	return sqlmodel.FromFeatureModel(&sqlmodel.FeatureModel{
		ID:           m.ID,
		OrgID:        m.OrgID,
		Env:          m.Env,
		Key:          m.Key,
		Name:         m.Name,
		Type:         m.Type,
		UsageType:    m.UsageType,
		Aggregation:  fromBSON(m.Aggregation),
		CreditSchema: fromBSON(m.CreditSchema),
		Archived:     m.Archived,
		Metadata:     fromBSON(m.Metadata),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	})
}

// ==================== Product models ====================

type productModel struct {
	grove.BaseModel `grove:"table:tally_products"`

	ID          string    `grove:"id,pk"       bson:"_id"`
	OrgID       string    `grove:"org_id"      bson:"org_id"`
	Env         string    `grove:"env"         bson:"env"`
	Key         string    `grove:"key"         bson:"key"`
	Name        string    `grove:"name"        bson:"name"`
	Description string    `grove:"description" bson:"description"`
	Group       string    `grove:"group_name"  bson:"group"`
	Currency    string    `grove:"currency"    bson:"currency"`
	IsAddOn     bool      `grove:"is_add_on"   bson:"is_add_on"`
	IsDefault   bool      `grove:"is_default"  bson:"is_default"`
	FreeTrial   any       `grove:"free_trial"  bson:"free_trial,omitempty"`
	Items       any       `grove:"items"       bson:"items"`
	Status      string    `grove:"status"      bson:"status"`
	Version     int       `grove:"version"     bson:"version"`
	ProviderID  string    `grove:"provider_id" bson:"provider_id"`
	Metadata    any       `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"  bson:"updated_at"`
}

func toProductModel(p *product.Product) *productModel {
	r := sqlmodel.ToProductModel(p)
	return &productModel{
		ID:          r.ID,
		OrgID:       r.OrgID,
		Env:         r.Env,
		Key:         r.Key,
		Name:        r.Name,
		Description: r.Description,
		Group:       r.GroupName,
		Currency:    r.Currency,
		IsAddOn:     r.IsAddOn,
		IsDefault:   r.IsDefault,
		FreeTrial:   toBSON(r.FreeTrial),
		Items:       toBSON(r.Items),
		Status:      r.Status,
		Version:     r.Version,
		ProviderID:  r.ProviderID,
		Metadata:    toBSON(r.Metadata),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromProductModel(m *productModel) (*product.Product, error) {
	return sqlmodel.FromProductModel(&sqlmodel.ProductModel{
		ID:          m.ID,
		OrgID:       m.OrgID,
		Env:         m.Env,
		Key:         m.Key,
		Name:        m.Name,
		Description: m.Description,
		GroupName:   m.Group,
		Currency:    m.Currency,
		IsAddOn:     m.IsAddOn,
		IsDefault:   m.IsDefault,
		FreeTrial:   fromBSON(m.FreeTrial),
		Items:       fromBSON(m.Items),
		Status:      m.Status,
		Version:     m.Version,
		ProviderID:  m.ProviderID,
		Metadata:    fromBSON(m.Metadata),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	})
}

// ==================== Customer models ====================

type customerModel struct {
	grove.BaseModel `grove:"table:tally_customers"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	OrgID      string    `grove:"org_id"      bson:"org_id"`
	Env        string    `grove:"env"         bson:"env"`
	ExternalID string    `grove:"external_id" bson:"external_id"`
	Name       string    `grove:"name"        bson:"name"`
	Email      string    `grove:"email"       bson:"email"`
	ProviderID string    `grove:"provider_id" bson:"provider_id"`
	AutoTopups any       `grove:"auto_topups" bson:"auto_topups,omitempty"`
	Metadata   any       `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt  time.Time `grove:"updated_at"  bson:"updated_at"`
}

func toCustomerModel(c *customer.Customer) *customerModel {
	r := sqlmodel.ToCustomerModel(c)
	return &customerModel{
		ID:         r.ID,
		OrgID:      r.OrgID,
		Env:        r.Env,
		ExternalID: r.ExternalID,
		Name:       r.Name,
		Email:      r.Email,
		ProviderID: r.ProviderID,
		AutoTopups: toBSON(r.AutoTopups),
		Metadata:   toBSON(r.Metadata),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func fromCustomerModel(m *customerModel) (*customer.Customer, error) {
	return sqlmodel.FromCustomerModel(&sqlmodel.CustomerModel{
		ID:         m.ID,
		OrgID:      m.OrgID,
		Env:        m.Env,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		Email:      m.Email,
		ProviderID: m.ProviderID,
		AutoTopups: fromBSON(m.AutoTopups),
		Metadata:   fromBSON(m.Metadata),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	})
}

type entityModel struct {
	grove.BaseModel `grove:"table:tally_entities"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	CustomerID string    `grove:"customer_id" bson:"customer_id"`
	ExternalID string    `grove:"external_id" bson:"external_id"`
	Name       string    `grove:"name"        bson:"name"`
	FeatureKey string    `grove:"feature_key" bson:"feature_key"`
	Deleted    bool      `grove:"deleted"     bson:"deleted"`
	Metadata   any       `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt  time.Time `grove:"updated_at"  bson:"updated_at"`
}

func toEntityModel(e *customer.Entity) *entityModel {
	r := sqlmodel.ToEntityModel(e)
	return &entityModel{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		ExternalID: r.ExternalID,
		Name:       r.Name,
		FeatureKey: r.FeatureKey,
		Deleted:    r.Deleted,
		Metadata:   toBSON(r.Metadata),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func fromEntityModel(m *entityModel) (*customer.Entity, error) {
	return sqlmodel.FromEntityModel(&sqlmodel.EntityModel{
		ID:         m.ID,
		CustomerID: m.CustomerID,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		FeatureKey: m.FeatureKey,
		Deleted:    m.Deleted,
		Metadata:   fromBSON(m.Metadata),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	})
}

// ==================== Customer product models ====================

type customerProductModel struct {
	grove.BaseModel `grove:"table:tally_customer_products"`

	ID                 string     `grove:"id,pk"                bson:"_id"`
	CustomerID         string     `grove:"customer_id"          bson:"customer_id"`
	EntityID           string     `grove:"entity_id"            bson:"entity_id"`
	ProductID          string     `grove:"product_id"           bson:"product_id"`
	ProductKey         string     `grove:"product_key"          bson:"product_key"`
	Group              string     `grove:"group_name"           bson:"group"`
	IsAddOn            bool       `grove:"is_add_on"            bson:"is_add_on"`
	Currency           string     `grove:"currency"             bson:"currency"`
	Items              any        `grove:"items"                bson:"items"`
	Prices             any        `grove:"prices"               bson:"prices,omitempty"`
	Options            any        `grove:"options"              bson:"options,omitempty"`
	Quantity           int64      `grove:"quantity"             bson:"quantity"`
	Status             string     `grove:"status"               bson:"status"`
	StartsAt           time.Time  `grove:"starts_at"            bson:"starts_at"`
	TrialEndsAt        *time.Time `grove:"trial_ends_at"        bson:"trial_ends_at,omitempty"`
	CanceledAt         *time.Time `grove:"canceled_at"          bson:"canceled_at,omitempty"`
	EndedAt            *time.Time `grove:"ended_at"             bson:"ended_at,omitempty"`
	BillingInterval    string     `grove:"billing_interval"     bson:"billing_interval"`
	CurrentPeriodStart time.Time  `grove:"current_period_start" bson:"current_period_start"`
	CurrentPeriodEnd   time.Time  `grove:"current_period_end"   bson:"current_period_end"`
	SubscriptionIDs    []string   `grove:"subscription_ids"     bson:"subscription_ids"`
	ScheduleIDs        []string   `grove:"schedule_ids"         bson:"schedule_ids"`
	NextTransitionAt   *time.Time `grove:"next_transition_at"   bson:"next_transition_at,omitempty"`
	OrgID              string     `grove:"org_id"               bson:"org_id"`
	Env                string     `grove:"env"                  bson:"env"`
	Metadata           any        `grove:"metadata"             bson:"metadata,omitempty"`
	CreatedAt          time.Time  `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"           bson:"updated_at"`
}

func toCustomerProductModel(cp *subscription.CustomerProduct) *customerProductModel {
	r := sqlmodel.ToCustomerProductModel(cp)
	subIDs := cp.SubscriptionIDs
	if subIDs == nil {
		subIDs = []string{}
	}
	scheduleIDs := cp.ScheduleIDs
	if scheduleIDs == nil {
		scheduleIDs = []string{}
	}
	return &customerProductModel{
		ID:                 r.ID,
		CustomerID:         r.CustomerID,
		EntityID:           r.EntityID,
		ProductID:          r.ProductID,
		ProductKey:         r.ProductKey,
		Group:              r.GroupName,
		IsAddOn:            r.IsAddOn,
		Currency:           r.Currency,
		Items:              toBSON(r.Items),
		Prices:             toBSON(r.Prices),
		Options:            toBSON(r.Options),
		Quantity:           r.Quantity,
		Status:             r.Status,
		StartsAt:           r.StartsAt,
		TrialEndsAt:        r.TrialEndsAt,
		CanceledAt:         r.CanceledAt,
		EndedAt:            r.EndedAt,
		BillingInterval:    r.BillingInterval,
		CurrentPeriodStart: r.CurrentPeriodStart,
		CurrentPeriodEnd:   r.CurrentPeriodEnd,
		SubscriptionIDs:    subIDs,
		ScheduleIDs:        scheduleIDs,
		NextTransitionAt:   r.NextTransitionAt,
		OrgID:              r.OrgID,
		Env:                r.Env,
		Metadata:           toBSON(r.Metadata),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func fromCustomerProductModel(m *customerProductModel) (*subscription.CustomerProduct, error) {
	subIDs, _ := json.Marshal(m.SubscriptionIDs)  //nolint:errcheck // []string always encodes
	scheduleIDs, _ := json.Marshal(m.ScheduleIDs) //nolint:errcheck // []string always encodes
	return sqlmodel.FromCustomerProductModel(&sqlmodel.CustomerProductModel{
		ID:                 m.ID,
		CustomerID:         m.CustomerID,
		EntityID:           m.EntityID,
		ProductID:          m.ProductID,
		ProductKey:         m.ProductKey,
		GroupName:          m.Group,
		IsAddOn:            m.IsAddOn,
		Currency:           m.Currency,
		Items:              fromBSON(m.Items),
		Prices:             fromBSON(m.Prices),
		Options:            fromBSON(m.Options),
		Quantity:           m.Quantity,
		Status:             m.Status,
		StartsAt:           m.StartsAt,
		TrialEndsAt:        m.TrialEndsAt,
		CanceledAt:         m.CanceledAt,
		EndedAt:            m.EndedAt,
		BillingInterval:    m.BillingInterval,
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		SubscriptionIDs:    subIDs,
		ScheduleIDs:        scheduleIDs,
		NextTransitionAt:   m.NextTransitionAt,
		OrgID:              m.OrgID,
		Env:                m.Env,
		Metadata:           fromBSON(m.Metadata),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	})
}

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:tally_customer_entitlements"`

	ID                string     `grove:"id,pk"               bson:"_id"`
	CustomerProductID string     `grove:"customer_product_id" bson:"customer_product_id"`
	CustomerID        string     `grove:"customer_id"         bson:"customer_id"`
	EntityID          string     `grove:"entity_id"           bson:"entity_id"`
	ItemID            string     `grove:"item_id"             bson:"item_id"`
	FeatureKey        string     `grove:"feature_key"         bson:"feature_key"`
	FeatureType       string     `grove:"feature_type"        bson:"feature_type"`
	Model             string     `grove:"model"               bson:"model"`
	BillingInterval   string     `grove:"billing_interval"    bson:"billing_interval"`
	Granted           string     `grove:"granted"             bson:"granted"`
	Purchased         string     `grove:"purchased"           bson:"purchased"`
	Balance           string     `grove:"balance"             bson:"balance"`
	Unlimited         bool       `grove:"unlimited"           bson:"unlimited"`
	UsageAllowed      bool       `grove:"usage_allowed"       bson:"usage_allowed"`
	MinBalance        *string    `grove:"min_balance"         bson:"min_balance,omitempty"`
	ResetInterval     string     `grove:"reset_interval"      bson:"reset_interval"`
	NextResetAt       *time.Time `grove:"next_reset_at"       bson:"next_reset_at,omitempty"`
	OrgID             string     `grove:"org_id"              bson:"org_id"`
	Env               string     `grove:"env"                 bson:"env"`
	CreatedAt         time.Time  `grove:"created_at"          bson:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"          bson:"updated_at"`
}

func toEntitlementModel(ce *entitlement.CustomerEntitlement) *entitlementModel {
	r := sqlmodel.ToEntitlementModel(ce)
	return &entitlementModel{
		ID:                r.ID,
		CustomerProductID: r.CustomerProductID,
		CustomerID:        r.CustomerID,
		EntityID:          r.EntityID,
		ItemID:            r.ItemID,
		FeatureKey:        r.FeatureKey,
		FeatureType:       r.FeatureType,
		Model:             r.Model,
		BillingInterval:   r.BillingInterval,
		Granted:           r.Granted,
		Purchased:         r.Purchased,
		Balance:           r.Balance,
		Unlimited:         r.Unlimited,
		UsageAllowed:      r.UsageAllowed,
		MinBalance:        r.MinBalance,
		ResetInterval:     r.ResetInterval,
		NextResetAt:       r.NextResetAt,
		OrgID:             r.OrgID,
		Env:               r.Env,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.CustomerEntitlement, error) {
	return sqlmodel.FromEntitlementModel(&sqlmodel.EntitlementModel{
		ID:                m.ID,
		CustomerProductID: m.CustomerProductID,
		CustomerID:        m.CustomerID,
		EntityID:          m.EntityID,
		ItemID:            m.ItemID,
		FeatureKey:        m.FeatureKey,
		FeatureType:       m.FeatureType,
		Model:             m.Model,
		BillingInterval:   m.BillingInterval,
		Granted:           m.Granted,
		Purchased:         m.Purchased,
		Balance:           m.Balance,
		Unlimited:         m.Unlimited,
		UsageAllowed:      m.UsageAllowed,
		MinBalance:        m.MinBalance,
		ResetInterval:     m.ResetInterval,
		NextResetAt:       m.NextResetAt,
		OrgID:             m.OrgID,
		Env:               m.Env,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	})
}

// ==================== Usage models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:tally_usage_events"`

	ID             string    `grove:"id,pk"           bson:"_id"`
	OrgID          string    `grove:"org_id"          bson:"org_id"`
	Env            string    `grove:"env"             bson:"env"`
	CustomerID     string    `grove:"customer_id"     bson:"customer_id"`
	EntityID       string    `grove:"entity_id"       bson:"entity_id"`
	FeatureKey     string    `grove:"feature_key"     bson:"feature_key"`
	Value          string    `grove:"value"           bson:"value"`
	Properties     any       `grove:"properties"      bson:"properties,omitempty"`
	Timestamp      time.Time `grove:"timestamp"       bson:"timestamp"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	Metadata       any       `grove:"metadata"        bson:"metadata,omitempty"`
}

func toUsageEventModel(e *meter.Event) *usageEventModel {
	r := sqlmodel.ToUsageEventModel(e)
	return &usageEventModel{
		ID:             r.ID,
		OrgID:          r.OrgID,
		Env:            r.Env,
		CustomerID:     r.CustomerID,
		EntityID:       r.EntityID,
		FeatureKey:     r.FeatureKey,
		Value:          r.Value,
		Properties:     toBSON(r.Properties),
		Timestamp:      r.Timestamp,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       toBSON(r.Metadata),
	}
}

func fromUsageEventModel(m *usageEventModel) (*meter.Event, error) {
	return sqlmodel.FromUsageEventModel(&sqlmodel.UsageEventModel{
		ID:             m.ID,
		OrgID:          m.OrgID,
		Env:            m.Env,
		CustomerID:     m.CustomerID,
		EntityID:       m.EntityID,
		FeatureKey:     m.FeatureKey,
		Value:          m.Value,
		Properties:     fromBSON(m.Properties),
		Timestamp:      m.Timestamp,
		IdempotencyKey: m.IdempotencyKey,
		Metadata:       fromBSON(m.Metadata),
	})
}

// ==================== Invoice models ====================

type invoiceModel struct {
	grove.BaseModel `grove:"table:tally_invoices"`

	ID                 string     `grove:"id,pk"                bson:"_id"`
	CustomerID         string     `grove:"customer_id"          bson:"customer_id"`
	EntityID           string     `grove:"entity_id"            bson:"entity_id"`
	CustomerProductIDs any        `grove:"customer_product_ids" bson:"customer_product_ids,omitempty"`
	Reason             string     `grove:"reason"               bson:"reason"`
	Status             string     `grove:"status"               bson:"status"`
	Currency           string     `grove:"currency"             bson:"currency"`
	SubtotalAmount     int64      `grove:"subtotal_amount"      bson:"subtotal_amount"`
	DiscountAmount     int64      `grove:"discount_amount"      bson:"discount_amount"`
	TotalAmount        int64      `grove:"total_amount"         bson:"total_amount"`
	LineItems          any        `grove:"line_items"           bson:"line_items,omitempty"`
	CouponID           string     `grove:"coupon_id"            bson:"coupon_id"`
	PeriodStart        time.Time  `grove:"period_start"         bson:"period_start"`
	PeriodEnd          time.Time  `grove:"period_end"           bson:"period_end"`
	PaidAt             *time.Time `grove:"paid_at"              bson:"paid_at,omitempty"`
	VoidedAt           *time.Time `grove:"voided_at"            bson:"voided_at,omitempty"`
	VoidReason         string     `grove:"void_reason"          bson:"void_reason"`
	SubscriptionID     string     `grove:"subscription_id"      bson:"subscription_id"`
	ProviderID         string     `grove:"provider_id"          bson:"provider_id"`
	OrgID              string     `grove:"org_id"               bson:"org_id"`
	Env                string     `grove:"env"                  bson:"env"`
	Metadata           any        `grove:"metadata"             bson:"metadata,omitempty"`
	CreatedAt          time.Time  `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"           bson:"updated_at"`
}

func toInvoiceModel(inv *invoice.Invoice) *invoiceModel {
	r := sqlmodel.ToInvoiceModel(inv)
	return &invoiceModel{
		ID:                 r.ID,
		CustomerID:         r.CustomerID,
		EntityID:           r.EntityID,
		CustomerProductIDs: toBSON(r.CustomerProductIDs),
		Reason:             r.Reason,
		Status:             r.Status,
		Currency:           r.Currency,
		SubtotalAmount:     r.SubtotalAmount,
		DiscountAmount:     r.DiscountAmount,
		TotalAmount:        r.TotalAmount,
		LineItems:          toBSON(r.LineItems),
		CouponID:           r.CouponID,
		PeriodStart:        r.PeriodStart,
		PeriodEnd:          r.PeriodEnd,
		PaidAt:             r.PaidAt,
		VoidedAt:           r.VoidedAt,
		VoidReason:         r.VoidReason,
		SubscriptionID:     r.SubscriptionID,
		ProviderID:         r.ProviderID,
		OrgID:              r.OrgID,
		Env:                r.Env,
		Metadata:           toBSON(r.Metadata),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	return sqlmodel.FromInvoiceModel(&sqlmodel.InvoiceModel{
		ID:                 m.ID,
		CustomerID:         m.CustomerID,
		EntityID:           m.EntityID,
		CustomerProductIDs: fromBSON(m.CustomerProductIDs),
		Reason:             m.Reason,
		Status:             m.Status,
		Currency:           m.Currency,
		SubtotalAmount:     m.SubtotalAmount,
		DiscountAmount:     m.DiscountAmount,
		TotalAmount:        m.TotalAmount,
		LineItems:          fromBSON(m.LineItems),
		CouponID:           m.CouponID,
		PeriodStart:        m.PeriodStart,
		PeriodEnd:          m.PeriodEnd,
		PaidAt:             m.PaidAt,
		VoidedAt:           m.VoidedAt,
		VoidReason:         m.VoidReason,
		SubscriptionID:     m.SubscriptionID,
		ProviderID:         m.ProviderID,
		OrgID:              m.OrgID,
		Env:                m.Env,
		Metadata:           fromBSON(m.Metadata),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	})
}

// ==================== Coupon models ====================

type couponModel struct {
	grove.BaseModel `grove:"table:tally_coupons"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	OrgID          string     `grove:"org_id"          bson:"org_id"`
	Env            string     `grove:"env"             bson:"env"`
	Code           string     `grove:"code"            bson:"code"`
	Name           string     `grove:"name"            bson:"name"`
	Type           string     `grove:"type"            bson:"type"`
	Amount         int64      `grove:"amount"          bson:"amount"`
	Percentage     int        `grove:"percentage"      bson:"percentage"`
	Currency       string     `grove:"currency"        bson:"currency"`
	MaxRedemptions int        `grove:"max_redemptions" bson:"max_redemptions"`
	TimesRedeemed  int        `grove:"times_redeemed"  bson:"times_redeemed"`
	ValidFrom      *time.Time `grove:"valid_from"      bson:"valid_from,omitempty"`
	ValidUntil     *time.Time `grove:"valid_until"     bson:"valid_until,omitempty"`
	ProviderID     string     `grove:"provider_id"     bson:"provider_id"`
	Metadata       any        `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
}

func toCouponModel(c *coupon.Coupon) *couponModel {
	r := sqlmodel.ToCouponModel(c)
	return &couponModel{
		ID:             r.ID,
		OrgID:          r.OrgID,
		Env:            r.Env,
		Code:           r.Code,
		Name:           r.Name,
		Type:           r.Type,
		Amount:         r.Amount,
		Percentage:     r.Percentage,
		Currency:       r.Currency,
		MaxRedemptions: r.MaxRedemptions,
		TimesRedeemed:  r.TimesRedeemed,
		ValidFrom:      r.ValidFrom,
		ValidUntil:     r.ValidUntil,
		ProviderID:     r.ProviderID,
		Metadata:       toBSON(r.Metadata),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromCouponModel(m *couponModel) (*coupon.Coupon, error) {
	return sqlmodel.FromCouponModel(&sqlmodel.CouponModel{
		ID:             m.ID,
		OrgID:          m.OrgID,
		Env:            m.Env,
		Code:           m.Code,
		Name:           m.Name,
		Type:           m.Type,
		Amount:         m.Amount,
		Percentage:     m.Percentage,
		Currency:       m.Currency,
		MaxRedemptions: m.MaxRedemptions,
		TimesRedeemed:  m.TimesRedeemed,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		ProviderID:     m.ProviderID,
		Metadata:       fromBSON(m.Metadata),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	})
}

// ==================== Counter models ====================

type counterModel struct {
	grove.BaseModel `grove:"table:tally_counters"`

	Key       string     `grove:"key,pk"     bson:"_id"`
	Value     int64      `grove:"value"      bson:"value"`
	ExpiresAt *time.Time `grove:"expires_at" bson:"expires_at,omitempty"`
}
