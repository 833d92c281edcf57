// Package pricing resolves tradeable prices. The Resolver reads the
// unified asset store first, falls back to a per-asset-class live adapter
// under a bounded timeout, and rejects anything that is not fresh.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/store"
)

var (
	// ErrPriceUnavailable means no usable price could be obtained from
	// either the store or the live adapter.
	ErrPriceUnavailable = errors.New("pricing: price unavailable")
	// ErrStaleData means a price was found but is too old or not positive.
	ErrStaleData = errors.New("pricing: stale price data")
)

// DefaultMaxAge is the freshness threshold applied when none is configured.
const DefaultMaxAge = 5 * time.Minute

// Adapter fetches a live quote for one asset class. Implementations
// persist what they fetch into the asset store.
type Adapter interface {
	Fetch(ctx context.Context, symbol string) (model.Quote, error)
}

// Metrics receives resolver outcomes.
type Metrics interface {
	ObserveResolution(assetType model.AssetType, source, outcome string)
	ObserveLiveFetch(assetType model.AssetType, d time.Duration, err error)
}

// IsFresh reports whether q may be traded on at now: price > 0 and
// age <= maxAge. It returns an ErrStaleData-wrapped error otherwise.
func IsFresh(q model.Quote, now time.Time, maxAge time.Duration) error {
	if !q.Price.IsPositive() {
		return fmt.Errorf("%w: %s/%s price %s is not positive", ErrStaleData, q.AssetType, q.Symbol, q.Price)
	}
	if age := q.Age(now); age > maxAge {
		return fmt.Errorf("%w: %s/%s quote is %s old (max %s)",
			ErrStaleData, q.AssetType, q.Symbol, age.Truncate(time.Second), maxAge)
	}
	return nil
}

// Resolver implements the store → live → fail chain.
type Resolver struct {
	store    store.PriceStore
	adapters map[model.AssetType]Adapter
	maxAge   time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  Metrics

	live singleflight.Group
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithMetrics attaches resolution reporting.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver. maxAge <= 0 selects DefaultMaxAge.
func NewResolver(ps store.PriceStore, adapters map[model.AssetType]Adapter, maxAge, timeout time.Duration, logger *slog.Logger, opts ...Option) *Resolver {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:    ps,
		adapters: adapters,
		maxAge:   maxAge,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAge returns the freshness threshold in force.
func (r *Resolver) MaxAge() time.Duration { return r.maxAge }

// Resolve returns a fresh quote for (assetType, symbol). symbol must
// already be in canonical form.
func (r *Resolver) Resolve(ctx context.Context, assetType model.AssetType, symbol string) (model.Quote, error) {
	obs, err := r.store.LatestPrice(ctx, assetType, symbol)
	switch {
	case err == nil:
		q := obs.Quote(model.SourceStore)
		ferr := IsFresh(q, r.now(), r.maxAge)
		if ferr == nil {
			r.observe(assetType, model.SourceStore, "ok")
			return q, nil
		}
		r.logger.Debug("stored quote not usable, trying live",
			"asset_type", assetType, "symbol", symbol, "reason", ferr)
	case errors.Is(err, store.ErrNotFound):
	default:
		// A broken store is not a reason to refuse a live price.
		r.logger.Warn("price store lookup failed", "asset_type", assetType, "symbol", symbol, "error", err)
	}

	adapter, ok := r.adapters[assetType]
	if !ok {
		r.observe(assetType, model.SourceLive, "no_adapter")
		return model.Quote{}, fmt.Errorf("%w: no live source for %s", ErrPriceUnavailable, assetType)
	}

	q, err := r.fetchLive(ctx, adapter, assetType, symbol)
	if err != nil {
		r.observe(assetType, model.SourceLive, "unavailable")
		return model.Quote{}, fmt.Errorf("%w: %s/%s: %v", ErrPriceUnavailable, assetType, symbol, err)
	}
	if err := IsFresh(q, r.now(), r.maxAge); err != nil {
		r.observe(assetType, model.SourceLive, "stale")
		return model.Quote{}, err
	}

	r.observe(assetType, model.SourceLive, "ok")
	return q, nil
}

// fetchLive collapses concurrent fetches of the same symbol into one
// upstream call bounded by the resolver timeout. A caller whose own
// context ends first gives up without cancelling the shared fetch.
func (r *Resolver) fetchLive(ctx context.Context, adapter Adapter, assetType model.AssetType, symbol string) (model.Quote, error) {
	key := string(assetType) + ":" + symbol
	ch := r.live.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		start := time.Now()
		q, err := adapter.Fetch(fetchCtx, symbol)
		if r.metrics != nil {
			r.metrics.ObserveLiveFetch(assetType, time.Since(start), err)
		}
		if err == nil && fetchCtx.Err() != nil {
			err = fetchCtx.Err()
		}
		return q, err
	})

	select {
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Quote{}, res.Err
		}
		q := res.Val.(model.Quote)
		q.Source = model.SourceLive
		return q, nil
	}
}

func (r *Resolver) observe(assetType model.AssetType, source, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveResolution(assetType, source, outcome)
	}
}
