package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{CacheTTL: 5 * time.Second})
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, time.Minute, cfg.RenewalInterval)
	assert.Equal(t, 1024, cfg.QueueBuffer)
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{StoreDriver: DriverPostgres, RenewalInterval: 10 * time.Second}
	prog := Config{
		StoreDriver:     DriverSQLite,
		RenewalInterval: time.Hour,
		DisableMigrate:  true,
		RedisAddr:       "localhost:6379",
		RedisDB:         2,
		CacheSize:       64,
	}

	cfg := mergeConfigurations(yaml, prog)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.RenewalInterval)
	assert.True(t, cfg.DisableMigrate)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 64, cfg.CacheSize)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
}

func TestBuildStore(t *testing.T) {
	s, err := buildStore("", nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	_, err = buildStore(DriverPostgres, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a grove database")
}

func TestBuildEngineOptsWithoutRedis(t *testing.T) {
	e := New(WithCacheTTL(time.Second), WithDisableMigrate())
	e.config = mergeWithDefaults(e.config)

	opts := e.buildEngineOpts()
	// timeout, renewal, deduction order, migrate, cache, queue
	assert.Len(t, opts, 6)
	assert.Nil(t, e.redis)
}
