package extension

import "time"

// Store drivers accepted in Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// StoreDriver selects the store built around the grove database given
	// with WithGroveDB: postgres, sqlite or mongo (default: memory).
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// CacheTTL bounds how long a cached customer snapshot is served
	// (default: 1m).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// CacheSize is the number of snapshots kept in-process when no Redis
	// is configured (default: 1024).
	CacheSize int `json:"cache_size" mapstructure:"cache_size" yaml:"cache_size"`

	// ProviderTimeout bounds every payment provider call (default: 30s).
	ProviderTimeout time.Duration `json:"provider_timeout" mapstructure:"provider_timeout" yaml:"provider_timeout"`

	// RenewalInterval is how often renewals are processed (default: 1m).
	RenewalInterval time.Duration `json:"renewal_interval" mapstructure:"renewal_interval" yaml:"renewal_interval"`

	// QueueBuffer is the in-process job queue capacity (default: 1024).
	QueueBuffer int `json:"queue_buffer" mapstructure:"queue_buffer" yaml:"queue_buffer"`

	// RedisAddr enables the Redis-backed locker, counter, cache and queue.
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db" yaml:"redis_db"`

	// ReverseDeductionOrder consumes the most recently attached products
	// first.
	ReverseDeductionOrder bool `json:"reverse_deduction_order" mapstructure:"reverse_deduction_order" yaml:"reverse_deduction_order"`

	// StripeSecretKey enables the Stripe provider.
	StripeSecretKey     string `json:"stripe_secret_key" mapstructure:"stripe_secret_key" yaml:"stripe_secret_key"`
	StripeWebhookSecret string `json:"stripe_webhook_secret" mapstructure:"stripe_webhook_secret" yaml:"stripe_webhook_secret"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:     DriverMemory,
		CacheTTL:        time.Minute,
		CacheSize:       1024,
		ProviderTimeout: 30 * time.Second,
		RenewalInterval: time.Minute,
		QueueBuffer:     1024,
	}
}
