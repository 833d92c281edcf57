package pricing

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
)

// Rate is a cached FX rate: one unit of Base costs Rate units of Quote.
type Rate struct {
	Base       string
	Quote      string
	Rate       decimal.Decimal
	ObservedAt time.Time

	expires time.Time
}

// RateCache is a bounded FX rate cache with its own TTL. Expiry is judged
// against an injectable clock so tests control time; ristretto's own TTL
// only reclaims memory.
type RateCache struct {
	c   *ristretto.Cache
	ttl time.Duration
	now func() time.Time
}

// NewRateCache creates a cache holding up to maxEntries rates for ttl.
// A nil now uses time.Now.
func NewRateCache(maxEntries int64, ttl time.Duration, now func() time.Time) (*RateCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rate cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &RateCache{c: c, ttl: ttl, now: now}, nil
}

// Get returns the cached rate for base/quote if it has not expired.
func (rc *RateCache) Get(base, quote string) (Rate, bool) {
	v, ok := rc.c.Get(rateKey(base, quote))
	if !ok {
		return Rate{}, false
	}
	r := v.(Rate)
	if !rc.now().Before(r.expires) {
		rc.c.Del(rateKey(base, quote))
		return Rate{}, false
	}
	return r, true
}

// Put stores r and blocks until it is visible to Get.
func (rc *RateCache) Put(r Rate) {
	r.expires = rc.now().Add(rc.ttl)
	rc.c.SetWithTTL(rateKey(r.Base, r.Quote), r, 1, rc.ttl)
	rc.c.Wait()
}

// Invalidate drops the cached rate for base/quote.
func (rc *RateCache) Invalidate(base, quote string) {
	rc.c.Del(rateKey(base, quote))
}

// Clear drops every cached rate.
func (rc *RateCache) Clear() { rc.c.Clear() }

// Close releases the cache's background goroutines.
func (rc *RateCache) Close() { rc.c.Close() }

func rateKey(base, quote string) string { return base + "/" + quote }
