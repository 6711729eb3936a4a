// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate the billing
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/cache"
	"github.com/xraph/tally/cache/rediscache"
	"github.com/xraph/tally/counter/rediscounter"
	"github.com/xraph/tally/lock/redislock"
	"github.com/xraph/tally/provider"
	tallystripe "github.com/xraph/tally/provider/stripe"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/queue/redisqueue"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Metering, entitlements and subscription billing"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the Tally engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tally.Engine
	store      store.Store
	groveDB    *grove.DB
	provider   provider.Provider
	redis      *redis.Client
	engineOpts []tally.Option
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := buildStore(e.config.StoreDriver, e.groveDB)
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = tally.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}
	if err := e.engine.Start(ctx); err != nil {
		return err
	}
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	var err error
	if e.engine != nil {
		err = e.engine.Stop()
	}
	if e.redis != nil {
		_ = e.redis.Close() //nolint:errcheck // best-effort close on shutdown
	}
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.redis != nil {
		return e.redis.Ping(ctx).Err()
	}
	return nil
}

// buildStore picks the store backend for driver.
func buildStore(driver string, db *grove.DB) (store.Store, error) {
	if driver == "" || driver == DriverMemory {
		return memory.New(), nil
	}
	if db == nil {
		return nil, fmt.Errorf("tally: store driver %q needs a grove database", driver)
	}
	switch driver {
	case DriverPostgres:
		return postgres.New(db), nil
	case DriverSQLite:
		return sqlite.New(db), nil
	case DriverMongo:
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("tally: unknown store driver %q", driver)
	}
}

// buildEngineOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []tally.Option {
	cfg := e.config
	opts := make([]tally.Option, 0, len(e.engineOpts)+8)

	opts = append(opts,
		tally.WithProviderTimeout(cfg.ProviderTimeout),
		tally.WithRenewalInterval(cfg.RenewalInterval),
		tally.WithReverseDeductionOrder(cfg.ReverseDeductionOrder),
	)
	if cfg.DisableMigrate {
		opts = append(opts, tally.WithoutMigrate())
	}

	switch {
	case e.provider != nil:
		opts = append(opts, tally.WithProvider(e.provider))
	case cfg.StripeSecretKey != "":
		opts = append(opts, tally.WithProvider(tallystripe.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret)))
	}

	if cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts,
			tally.WithLocker(redislock.New(e.redis, "tally:lock:")),
			tally.WithCounter(rediscounter.New(e.redis, "tally:count:")),
			tally.WithCache(rediscache.New(e.redis, "tally:cache:"), cfg.CacheTTL),
			tally.WithQueue(redisqueue.New(e.redis, "tally:jobs", nil)),
		)
	} else {
		if lru, err := cache.NewLRU(cfg.CacheSize); err == nil {
			opts = append(opts, tally.WithCache(lru, cfg.CacheTTL))
		}
		opts = append(opts, tally.WithQueue(queue.NewMemory(cfg.QueueBuffer, nil)))
	}

	// Pass-through options win over config.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("cache_ttl", e.config.CacheTTL),
		forge.F("renewal_interval", e.config.RenewalInterval),
		forge.F("redis", e.config.RedisAddr != ""),
		forge.F("stripe", e.config.StripeSecretKey != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind config", forge.F("key", key))
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if cfg.RenewalInterval == 0 {
		cfg.RenewalInterval = defaults.RenewalInterval
	}
	if cfg.QueueBuffer == 0 {
		cfg.QueueBuffer = defaults.QueueBuffer
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.ReverseDeductionOrder {
		yamlConfig.ReverseDeductionOrder = true
	}

	if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
		yamlConfig.RedisPassword = programmaticConfig.RedisPassword
		yamlConfig.RedisDB = programmaticConfig.RedisDB
	}
	if yamlConfig.StripeSecretKey == "" {
		yamlConfig.StripeSecretKey = programmaticConfig.StripeSecretKey
	}
	if yamlConfig.StripeWebhookSecret == "" {
		yamlConfig.StripeWebhookSecret = programmaticConfig.StripeWebhookSecret
	}

	if yamlConfig.CacheTTL == 0 {
		yamlConfig.CacheTTL = programmaticConfig.CacheTTL
	}
	if yamlConfig.CacheSize == 0 {
		yamlConfig.CacheSize = programmaticConfig.CacheSize
	}
	if yamlConfig.ProviderTimeout == 0 {
		yamlConfig.ProviderTimeout = programmaticConfig.ProviderTimeout
	}
	if yamlConfig.RenewalInterval == 0 {
		yamlConfig.RenewalInterval = programmaticConfig.RenewalInterval
	}
	if yamlConfig.QueueBuffer == 0 {
		yamlConfig.QueueBuffer = programmaticConfig.QueueBuffer
	}

	return mergeWithDefaults(yamlConfig)
}
