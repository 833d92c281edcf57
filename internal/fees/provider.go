package fees

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tradesim/trade-engine/internal/model"
)

// PolicyStore persists the fee policy. GetFeePolicy returns (nil, nil)
// when no policy has been stored yet.
type PolicyStore interface {
	GetFeePolicy(ctx context.Context) (*model.FeePolicy, error)
	SaveFeePolicy(ctx context.Context, p model.FeePolicy) error
}

// CacheMetrics receives provider cache outcomes.
type CacheMetrics interface {
	ObservePolicyLookup(hit bool)
}

// Provider serves the current fee policy from a short-TTL cache shared by
// all trade workers. Reads are not linearized with writes on other
// instances: a policy change becomes visible everywhere within one TTL.
type Provider struct {
	store   PolicyStore
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics CacheMetrics

	// mu guards the snapshot only; store reads run outside it and
	// concurrent misses share one read through loads.
	loads   singleflight.Group
	mu      sync.Mutex
	cached  model.FeePolicy
	loaded  bool
	expires time.Time
	version uint64
}

// loadTimeout bounds a shared store read. It is detached from the caller
// that started it because other callers may be waiting on the same read.
const loadTimeout = 5 * time.Second

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// WithCacheMetrics attaches cache hit/miss reporting.
func WithCacheMetrics(m CacheMetrics) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider creates a provider over store with the given cache TTL.
func NewProvider(store PolicyStore, ttl time.Duration, logger *slog.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns a snapshot of the fee policy. The returned value is a
// copy; callers hold it fixed for the duration of one trade.
func (p *Provider) Current(ctx context.Context) (model.FeePolicy, error) {
	p.mu.Lock()
	if p.loaded && p.now().Before(p.expires) {
		cached := p.cached
		p.mu.Unlock()
		p.observe(true)
		return cached, nil
	}
	p.mu.Unlock()
	p.observe(false)

	v, err, _ := p.loads.Do("policy", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return p.load(loadCtx)
	})
	if err != nil {
		return model.FeePolicy{}, err
	}
	return v.(model.FeePolicy), nil
}

// load reads the stored policy and installs it unless an Update landed
// while the read was in flight.
func (p *Provider) load(ctx context.Context) (model.FeePolicy, error) {
	p.mu.Lock()
	version := p.version
	p.mu.Unlock()

	started := p.now()
	stored, err := p.store.GetFeePolicy(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.loaded {
			// Serve the previous snapshot rather than failing trades on a
			// transient store error.
			p.logger.Warn("fee policy reload failed, serving cached policy", "error", err)
			return p.cached, nil
		}
		return model.FeePolicy{}, err
	}
	if p.version != version {
		return p.cached, nil
	}

	policy := DefaultPolicy()
	if stored != nil {
		policy = *stored
	}
	p.cached = policy
	p.loaded = true
	p.expires = started.Add(p.ttl)
	return policy, nil
}

// Update merges upd onto the current policy, validates and stores it, and
// refreshes the local cache.
func (p *Provider) Update(ctx context.Context, upd PolicyUpdate) (model.FeePolicy, error) {
	current, err := p.Current(ctx)
	if err != nil {
		return model.FeePolicy{}, err
	}
	next, err := upd.Apply(current)
	if err != nil {
		return model.FeePolicy{}, err
	}
	next.UpdatedAt = p.now().UTC()

	if err := p.store.SaveFeePolicy(ctx, next); err != nil {
		return model.FeePolicy{}, err
	}

	p.mu.Lock()
	p.cached = next
	p.loaded = true
	p.expires = p.now().Add(p.ttl)
	p.version++
	p.mu.Unlock()

	p.logger.Info("fee policy updated",
		"platform_fee_pct", next.PlatformFeePct.String(),
		"tax_pct", next.TaxPct.String(),
		"min_fee", next.MinFee.String(),
		"max_fee", next.MaxFee.String(),
	)
	return next, nil
}

// Invalidate expires the cached policy so the next read hits the store.
// The previous snapshot is kept as a fallback for store errors.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.expires = time.Time{}
	p.mu.Unlock()
}

// Run reloads the policy every interval until ctx is done, keeping the
// cache warm so trade workers rarely block on the store.
func (p *Provider) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		p.logger.Warn("fee policy refresh disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Invalidate()
			refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := p.Current(refreshCtx); err != nil {
				p.logger.Error("fee policy refresh failed", "error", err)
			}
			cancel()
		}
	}
}

func (p *Provider) observe(hit bool) {
	if p.metrics != nil {
		p.metrics.ObservePolicyLookup(hit)
	}
}
