package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the tally store.
var Migrations = migrate.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tally_features",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_features (
    id            TEXT PRIMARY KEY,
    org_id        TEXT NOT NULL DEFAULT '',
    env           TEXT NOT NULL DEFAULT '',
    key           TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    type          TEXT NOT NULL,
    usage_type    TEXT NOT NULL DEFAULT '',
    aggregation   JSONB,
    credit_schema JSONB,
    archived      BOOLEAN NOT NULL DEFAULT FALSE,
    metadata      JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_features_key ON tally_features (org_id, env, key);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_features`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_products",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_products (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL DEFAULT '',
    env         TEXT NOT NULL DEFAULT '',
    key         TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    group_name  TEXT NOT NULL DEFAULT '',
    currency    TEXT NOT NULL DEFAULT '',
    is_add_on   BOOLEAN NOT NULL DEFAULT FALSE,
    is_default  BOOLEAN NOT NULL DEFAULT FALSE,
    free_trial  JSONB,
    items       JSONB NOT NULL DEFAULT '[]',
    status      TEXT NOT NULL DEFAULT 'active',
    version     INT NOT NULL DEFAULT 1,
    provider_id TEXT NOT NULL DEFAULT '',
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_products_key ON tally_products (org_id, env, key, version);
CREATE INDEX IF NOT EXISTS idx_tally_products_group ON tally_products (org_id, env, group_name);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_products`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_customers",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_customers (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL DEFAULT '',
    env         TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    email       TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL DEFAULT '',
    auto_topups JSONB,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_customers_external ON tally_customers (org_id, env, external_id) WHERE external_id <> '';

CREATE TABLE IF NOT EXISTS tally_entities (
    id          TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    feature_key TEXT NOT NULL DEFAULT '',
    deleted     BOOLEAN NOT NULL DEFAULT FALSE,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_entities_customer ON tally_entities (customer_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_entities; DROP TABLE IF EXISTS tally_customers`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_customer_products",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_customer_products (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL,
    entity_id            TEXT NOT NULL DEFAULT '',
    product_id           TEXT NOT NULL,
    product_key          TEXT NOT NULL DEFAULT '',
    group_name           TEXT NOT NULL DEFAULT '',
    is_add_on            BOOLEAN NOT NULL DEFAULT FALSE,
    currency             TEXT NOT NULL DEFAULT '',
    items                JSONB NOT NULL DEFAULT '[]',
    prices               JSONB,
    options              JSONB,
    quantity             BIGINT NOT NULL DEFAULT 1,
    status               TEXT NOT NULL,
    starts_at            TIMESTAMPTZ NOT NULL,
    trial_ends_at        TIMESTAMPTZ,
    canceled_at          TIMESTAMPTZ,
    ended_at             TIMESTAMPTZ,
    billing_interval     TEXT NOT NULL DEFAULT '',
    current_period_start TIMESTAMPTZ NOT NULL,
    current_period_end   TIMESTAMPTZ NOT NULL,
    subscription_ids     JSONB NOT NULL DEFAULT '[]',
    schedule_ids         JSONB,
    next_transition_at   TIMESTAMPTZ,
    org_id               TEXT NOT NULL DEFAULT '',
    env                  TEXT NOT NULL DEFAULT '',
    metadata             JSONB,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_cus_products_customer ON tally_customer_products (customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_cus_products_due ON tally_customer_products (next_transition_at) WHERE next_transition_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_customer_products`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_customer_entitlements",
			Version: "20260101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_customer_entitlements (
    id                  TEXT PRIMARY KEY,
    customer_product_id TEXT NOT NULL,
    customer_id         TEXT NOT NULL,
    entity_id           TEXT NOT NULL DEFAULT '',
    item_id             TEXT NOT NULL DEFAULT '',
    feature_key         TEXT NOT NULL,
    feature_type        TEXT NOT NULL DEFAULT '',
    model               TEXT NOT NULL DEFAULT '',
    billing_interval    TEXT NOT NULL DEFAULT '',
    granted             TEXT NOT NULL DEFAULT '0',
    purchased           TEXT NOT NULL DEFAULT '0',
    balance             TEXT NOT NULL DEFAULT '0',
    unlimited           BOOLEAN NOT NULL DEFAULT FALSE,
    usage_allowed       BOOLEAN NOT NULL DEFAULT FALSE,
    min_balance         TEXT,
    reset_interval      TEXT NOT NULL DEFAULT '',
    next_reset_at       TIMESTAMPTZ,
    org_id              TEXT NOT NULL DEFAULT '',
    env                 TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_cus_ents_customer ON tally_customer_entitlements (customer_id, feature_key);
CREATE INDEX IF NOT EXISTS idx_tally_cus_ents_product ON tally_customer_entitlements (customer_product_id);
CREATE INDEX IF NOT EXISTS idx_tally_cus_ents_reset ON tally_customer_entitlements (next_reset_at) WHERE next_reset_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_customer_entitlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_usage_events",
			Version: "20260101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_usage_events (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL DEFAULT '',
    env             TEXT NOT NULL DEFAULT '',
    customer_id     TEXT NOT NULL,
    entity_id       TEXT NOT NULL DEFAULT '',
    feature_key     TEXT NOT NULL,
    value           TEXT NOT NULL DEFAULT '0',
    properties      JSONB,
    timestamp       TIMESTAMPTZ NOT NULL,
    idempotency_key TEXT NOT NULL DEFAULT '',
    metadata        JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_usage_idempotency ON tally_usage_events (customer_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_tally_usage_customer ON tally_usage_events (customer_id, feature_key, timestamp);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_usage_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_invoices",
			Version: "20260101000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_invoices (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL,
    entity_id            TEXT NOT NULL DEFAULT '',
    customer_product_ids JSONB,
    reason               TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'draft',
    currency             TEXT NOT NULL DEFAULT '',
    subtotal_amount      BIGINT NOT NULL DEFAULT 0,
    discount_amount      BIGINT NOT NULL DEFAULT 0,
    total_amount         BIGINT NOT NULL DEFAULT 0,
    line_items           JSONB NOT NULL DEFAULT '[]',
    coupon_id            TEXT NOT NULL DEFAULT '',
    period_start         TIMESTAMPTZ NOT NULL,
    period_end           TIMESTAMPTZ NOT NULL,
    paid_at              TIMESTAMPTZ,
    voided_at            TIMESTAMPTZ,
    void_reason          TEXT NOT NULL DEFAULT '',
    subscription_id      TEXT NOT NULL DEFAULT '',
    provider_id          TEXT NOT NULL DEFAULT '',
    org_id               TEXT NOT NULL DEFAULT '',
    env                  TEXT NOT NULL DEFAULT '',
    metadata             JSONB,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_invoices_customer ON tally_invoices (customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_invoices_provider ON tally_invoices (provider_id) WHERE provider_id <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_invoices`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_coupons",
			Version: "20260101000008",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_coupons (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL DEFAULT '',
    env             TEXT NOT NULL DEFAULT '',
    code            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL,
    amount          BIGINT NOT NULL DEFAULT 0,
    percentage      INT NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT '',
    max_redemptions INT NOT NULL DEFAULT 0,
    times_redeemed  INT NOT NULL DEFAULT 0,
    valid_from      TIMESTAMPTZ,
    valid_until     TIMESTAMPTZ,
    provider_id     TEXT NOT NULL DEFAULT '',
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_coupons_code ON tally_coupons (org_id, env, code);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_coupons`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_counters",
			Version: "20260101000009",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_counters (
    key        TEXT PRIMARY KEY,
    value      BIGINT NOT NULL DEFAULT 0,
    expires_at TIMESTAMPTZ
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_counters`)
				return err
			},
		},
	)
}
