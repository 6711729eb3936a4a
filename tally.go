package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally/cache"
	"github.com/xraph/tally/counter"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/schedule"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
	"github.com/xraph/tally/types"
)

// Engine is the metering and billing engine.
type Engine struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	provider provider.Provider
	locker   lock.Locker
	counter  counter.Counter
	queue    queue.Queue
	backend  cache.Backend
	cache    *cache.Syncer
	schedule *schedule.Synchronizer
	topups   *topup.Coordinator
	now      func() time.Time

	// Background workers
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Configuration
	cacheTTL        time.Duration
	providerTimeout time.Duration
	renewalInterval time.Duration
	renewalBatch    int
	dedupTTL        time.Duration
	reverseOrder    bool
	skipMigrate     bool
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		locker:          lock.NewLocal(),
		counter:         s,
		now:             func() time.Time { return time.Now().UTC() },
		stopChan:        make(chan struct{}),
		cacheTTL:        time.Minute,
		providerTimeout: 30 * time.Second,
		renewalInterval: time.Minute,
		renewalBatch:    100,
		dedupTTL:        24 * time.Hour,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.provider == nil {
		e.provider = e.plugins.PaymentProvider()
	}
	if e.queue == nil {
		e.queue = queue.NewMemory(1024, e.logger)
	}
	if e.backend == nil {
		lru, err := cache.NewLRU(1024)
		if err != nil {
			panic(fmt.Sprintf("tally: default cache: %v", err))
		}
		e.backend = lru
	}
	e.cache = cache.NewSyncer(e.backend, e.loadSnapshot,
		cache.WithTTL(e.cacheTTL),
		cache.WithLogger(e.logger),
	)
	if e.provider != nil {
		e.schedule = schedule.NewSynchronizer(e.provider, schedule.WithLogger(e.logger))
		e.topups = topup.New(e, topupLedger{e}, e.provider, e.locker, e.counter,
			topup.WithLogger(e.logger),
			topup.WithClock(e.now),
			topup.WithProviderCall(e.callProvider),
		)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProvider sets the payment provider. Without one, only free products
// can be attached.
func WithProvider(p provider.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithLocker sets the balance locker. Use lock/redislock when more than one
// process serves the same customers.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCounter sets the counter used for top-up rate limits and delivery
// de-duplication. Defaults to the store.
func WithCounter(c counter.Counter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithQueue sets the job queue for asynchronous top-ups.
func WithQueue(q queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithCache sets the snapshot cache backend and TTL.
func WithCache(b cache.Backend, ttl time.Duration) Option {
	return func(e *Engine) {
		e.backend = b
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProviderTimeout bounds every provider call. Zero disables the bound.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) { e.providerTimeout = d }
}

// WithRenewalInterval sets how often the renewal worker runs. Zero disables
// the worker; ProcessRenewals can still be called directly.
func WithRenewalInterval(d time.Duration) Option {
	return func(e *Engine) { e.renewalInterval = d }
}

// WithReverseDeductionOrder consumes the most recent attachment first.
func WithReverseDeductionOrder(reverse bool) Option {
	return func(e *Engine) { e.reverseOrder = reverse }
}

// WithoutMigrate makes Start skip store migrations.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	workerCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.topups != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			handler := queue.Dedup(e.counter, e.dedupTTL, e.logger, e.HandleJob)
			if err := e.queue.Consume(workerCtx, handler); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				e.logger.Error("top-up consumer stopped", "error", err)
			}
		}()
	}

	if e.renewalInterval > 0 {
		e.wg.Add(1)
		go e.renewalWorker(workerCtx)
	}

	e.logger.Info("tally started",
		"provider", e.providerName(),
		"renewal_interval", e.renewalInterval,
		"cache_ttl", e.cacheTTL,
		"reverse_deduction_order", e.reverseOrder,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	close(e.stopChan)
	if e.cancel != nil {
		e.cancel()
	}
	_ = e.queue.Close() //nolint:errcheck // best-effort queue shutdown
	e.wg.Wait()
	e.cache.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

func (e *Engine) renewalWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.ProcessRenewals(ctx); err != nil {
				e.logger.Error("renewal pass failed", "error", err)
			}
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Provider returns the payment provider, or nil.
func (e *Engine) Provider() provider.Provider { return e.provider }

// Cache returns the snapshot syncer.
func (e *Engine) Cache() *cache.Syncer { return e.cache }

// ──────────────────────────────────────────────────
// Catalog Management
// ──────────────────────────────────────────────────

// CreateFeature validates and stores a feature.
func (e *Engine) CreateFeature(ctx context.Context, f *feature.Feature) error {
	if err := f.Validate(); err != nil {
		return invalid("feature", err)
	}
	if f.ID.IsNil() {
		f.ID = id.NewFeatureID()
	}
	f.Entity = types.NewEntityAt(e.now())

	if err := e.store.CreateFeature(ctx, f); err != nil {
		return err
	}

	e.plugins.EmitFeatureCreated(ctx, f)
	return nil
}

// CreateProduct validates a product against the org's features and stores
// it as a new version of its key. Paid recurring prices are registered with
// the provider first.
func (e *Engine) CreateProduct(ctx context.Context, p *product.Product) error {
	if p.Key == "" {
		return invalid("key", errors.New("product key is required"))
	}
	features, err := e.featureMap(ctx, p.OrgID, p.Env)
	if err != nil {
		return err
	}
	for i := range p.Items {
		if p.Items[i].ID.IsNil() {
			p.Items[i].ID = id.NewItemID()
		}
	}
	if err := p.Validate(features); err != nil {
		return invalid("items", err)
	}

	if p.ID.IsNil() {
		p.ID = id.NewProductID()
	}
	p.Entity = types.NewEntityAt(e.now())
	if p.Status == "" {
		p.Status = product.StatusActive
	}
	p.Version = 1
	if prev, err := e.store.GetProductByKey(ctx, p.OrgID, p.Env, p.Key); err == nil {
		p.Version = prev.Version + 1
	} else if !IsNotFound(err) {
		return err
	}

	if err := e.registerPrices(ctx, p); err != nil {
		return err
	}

	if err := e.store.CreateProduct(ctx, p); err != nil {
		return err
	}

	e.plugins.EmitProductCreated(ctx, p)
	return nil
}

// registerPrices creates the provider product and a provider price for every
// paid item that does not carry one yet.
func (e *Engine) registerPrices(ctx context.Context, p *product.Product) error {
	if e.provider == nil || p.IsFree() {
		return nil
	}
	if p.ProviderID == "" {
		err := e.callProvider(ctx, "create_product", func(ctx context.Context) error {
			pid, err := e.provider.CreateProduct(ctx, provider.ProductParams{
				Name:     p.Name,
				Metadata: map[string]string{"product_key": p.Key},
			})
			p.ProviderID = pid
			return err
		})
		if err != nil {
			return err
		}
	}
	for i := range p.Items {
		it := &p.Items[i]
		var params provider.PriceParams
		var target *string
		switch {
		case it.Kind == product.KindPrice && it.Price.ProviderPriceID == "":
			params = provider.PriceParams{Amount: it.Price.Amount, Interval: it.Price.Interval}
			target = &it.Price.ProviderPriceID
		case it.Kind == product.KindFeature && it.Feature.IsPaid() && it.Feature.ProviderPriceID == "":
			params = provider.PriceParams{
				Amount:   it.Feature.Price,
				Interval: it.Feature.BillingInterval,
				Metered:  it.Feature.Model == product.ModelConsumable,
			}
			target = &it.Feature.ProviderPriceID
		default:
			continue
		}
		params.ProductID = p.ProviderID
		params.Metadata = map[string]string{"item_id": it.ID.String()}
		err := e.callProvider(ctx, "create_price", func(ctx context.Context) error {
			pid, err := e.provider.CreatePrice(ctx, params)
			*target = pid
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetProduct returns the latest version of a product key.
func (e *Engine) GetProduct(ctx context.Context, orgID, env, key string) (*product.Product, error) {
	return e.store.GetProductByKey(ctx, orgID, env, key)
}

// CreateCustomer stores a customer and, when a provider is configured,
// creates its provider customer.
func (e *Engine) CreateCustomer(ctx context.Context, c *customer.Customer) error {
	for _, cfg := range c.AutoTopups {
		if err := cfg.Validate(); err != nil {
			return invalid("auto_topups", err)
		}
	}
	if c.ID.IsNil() {
		c.ID = id.NewCustomerID()
	}
	c.Entity = types.NewEntityAt(e.now())

	if e.provider != nil && c.ProviderID == "" {
		if err := e.ensureProviderCustomer(ctx, c); err != nil {
			return err
		}
	}

	if err := e.store.CreateCustomer(ctx, c); err != nil {
		return err
	}

	e.plugins.EmitCustomerCreated(ctx, c)
	return nil
}

// GetCustomer retrieves a customer by ID.
func (e *Engine) GetCustomer(ctx context.Context, customerID id.CustomerID) (*customer.Customer, error) {
	return e.store.GetCustomer(ctx, customerID)
}

// CreateEntity adds an entity under an existing customer.
func (e *Engine) CreateEntity(ctx context.Context, ent *customer.Entity) error {
	if _, err := e.store.GetCustomer(ctx, ent.CustomerID); err != nil {
		return err
	}
	if ent.ID.IsNil() {
		ent.ID = id.NewEntityID()
	}
	ent.Entity = types.NewEntityAt(e.now())
	return e.store.CreateEntity(ctx, ent)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (e *Engine) featureMap(ctx context.Context, orgID, env string) (map[string]*feature.Feature, error) {
	list, err := e.store.ListFeatures(ctx, orgID, env)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*feature.Feature, len(list))
	for _, f := range list {
		out[f.Key] = f
	}
	return out, nil
}

// scopeFor resolves the scope of a customer or one of its entities.
func (e *Engine) scopeFor(ctx context.Context, customerID id.CustomerID, entityID id.EntityID) (*customer.Customer, customer.Scope, error) {
	cus, err := e.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, customer.Scope{}, err
	}
	scope := customer.Scope{OrgID: cus.OrgID, Env: cus.Env, CustomerID: cus.ID, EntityID: entityID}
	if !entityID.IsNil() {
		ent, err := e.store.GetEntity(ctx, entityID)
		if err != nil {
			return nil, customer.Scope{}, err
		}
		if ent.CustomerID != cus.ID || ent.Deleted {
			return nil, customer.Scope{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
		}
	}
	return cus, scope, nil
}

// lockFeatures takes the balance locks of keys in a fixed order so callers
// locking overlapping sets never deadlock. Balance locks are per customer,
// since entity scopes also draw on customer-level products.
func (e *Engine) lockFeatures(ctx context.Context, scope customer.Scope, keys []string) (lock.Unlock, error) {
	base := customer.Scope{OrgID: scope.OrgID, Env: scope.Env, CustomerID: scope.CustomerID}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []lock.Unlock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	seen := make(map[string]bool, len(sorted))
	for _, k := range sorted {
		if seen[k] {
			continue
		}
		seen[k] = true
		unlock, err := e.locker.Lock(ctx, "balance:"+base.FeatureKey(k))
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

func (e *Engine) providerName() string {
	if e.provider == nil {
		return "none"
	}
	return e.provider.Name()
}

func (e *Engine) requireProvider() error {
	if e.provider == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

// callProvider runs fn under the provider timeout. A timeout surfaces as
// ErrProviderUnavailable so callers can retry; local state is untouched.
func (e *Engine) callProvider(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := e.requireProvider(); err != nil {
		return err
	}
	pctx := ctx
	if e.providerTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
	}
	err := fn(pctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s timed out", ErrProviderUnavailable, op)
	}
	e.plugins.EmitProviderSync(ctx, e.provider.Name(), op, err)
	return err
}

func (e *Engine) ensureProviderCustomer(ctx context.Context, c *customer.Customer) error {
	if c.ProviderID != "" {
		return nil
	}
	return e.callProvider(ctx, "create_customer", func(ctx context.Context) error {
		pid, err := e.provider.CreateCustomer(ctx, provider.CustomerParams{
			Name:     c.Name,
			Email:    c.Email,
			Metadata: map[string]string{"customer_id": c.ID.String(), "external_id": c.ExternalID},
		})
		c.ProviderID = pid
		return err
	})
}

// syncSchedule reconciles the remote schedule of subscriptionID with the
// products billed on it and records the schedule id on each of them.
func (e *Engine) syncSchedule(ctx context.Context, subscriptionID string, products []*subscription.CustomerProduct) error {
	if subscriptionID == "" || e.schedule == nil {
		return nil
	}
	var res *schedule.Result
	err := e.callProvider(ctx, "sync_schedule", func(ctx context.Context) error {
		var err error
		res, err = e.schedule.Sync(ctx, subscriptionID, products, e.now())
		if err != nil {
			return err
		}
		if subscription.Shared(subscriptionID, products, e.now()).Canceled {
			return nil
		}
		// Reverting the last cancellation leaves a cancel_at behind.
		sub, err := e.provider.GetSubscription(ctx, subscriptionID)
		if err != nil || sub.CancelAt == nil || res.Action.Kind == schedule.ActionCancelAt {
			return err
		}
		_, err = e.provider.UpdateSubscription(ctx, subscriptionID, provider.SubscriptionUpdate{ClearCancel: true})
		return err
	})
	if err != nil {
		return err
	}
	for _, cp := range products {
		if !cp.HasSubscription(subscriptionID) {
			continue
		}
		cp.ScheduleIDs = nil
		if res.ScheduleID != "" {
			cp.ScheduleIDs = []string{res.ScheduleID}
		}
	}
	e.plugins.EmitScheduleSynced(ctx, subscriptionID, res)
	return nil
}
