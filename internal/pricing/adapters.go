package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/store"
	"github.com/tradesim/trade-engine/internal/symbol"
)

// ErrUpstream reports a feed that answered with an error or garbage.
var ErrUpstream = errors.New("pricing: upstream feed error")

const userAgent = "trade-engine/pricing"

// feedClient is the JSON-over-HTTP transport shared by the live adapters.
type feedClient struct {
	base string
	hc   *http.Client
}

func newFeedClient(base string, hc *http.Client) feedClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return feedClient{base: strings.TrimRight(base, "/"), hc: hc}
}

func (c feedClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w (url=%s)", err, u)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s %d: %s", ErrUpstream, path, res.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

// recorder persists what an adapter fetched. A failed write is logged and
// does not fail the fetch.
type recorder struct {
	store  store.PriceStore
	logger *slog.Logger
}

func (r recorder) record(ctx context.Context, q model.Quote, source string) {
	if r.store == nil {
		return
	}
	obs := &model.PriceObservation{
		AssetType:     q.AssetType,
		Symbol:        q.Symbol,
		Price:         q.Price,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		ObservedAt:    q.Timestamp,
		Source:        source,
	}
	if err := r.store.InsertPriceObservation(ctx, obs); err != nil {
		r.logger.Warn("failed to persist live quote",
			"asset_type", q.AssetType, "symbol", q.Symbol, "error", err)
	}
}

func unixOrNow(sec int64, now time.Time) time.Time {
	if sec <= 0 {
		return now.UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// --- Equity ---

// EquityAdapter reads GET {base}/quote/{SYMBOL}:
//
//	{"symbol":"AAPL","price":"189.5","change":"1.2","changePercent":"0.64","volume":"51234000","timestamp":1718000000}
type EquityAdapter struct {
	client feedClient
	rec    recorder
	now    func() time.Time
}

// NewEquityAdapter creates an equity adapter. A nil hc uses a default client.
func NewEquityAdapter(baseURL string, hc *http.Client, ps store.PriceStore, logger *slog.Logger) *EquityAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EquityAdapter{
		client: newFeedClient(baseURL, hc),
		rec:    recorder{store: ps, logger: logger},
		now:    time.Now,
	}
}

func (a *EquityAdapter) Fetch(ctx context.Context, sym string) (model.Quote, error) {
	var out struct {
		Symbol        string          `json:"symbol"`
		Price         decimal.Decimal `json:"price"`
		Change        decimal.Decimal `json:"change"`
		ChangePercent decimal.Decimal `json:"changePercent"`
		Volume        decimal.Decimal `json:"volume"`
		Timestamp     int64           `json:"timestamp"`
	}
	if err := a.client.getJSON(ctx, "/quote/"+url.PathEscape(sym), nil, &out); err != nil {
		return model.Quote{}, err
	}

	q := model.Quote{
		AssetType:     model.AssetStock,
		Symbol:        sym,
		Price:         out.Price,
		Change:        out.Change,
		ChangePercent: out.ChangePercent,
		Volume:        out.Volume,
		Timestamp:     unixOrNow(out.Timestamp, a.now()),
		Source:        model.SourceLive,
	}
	a.rec.record(ctx, q, "equity_feed")
	return q, nil
}

// --- Crypto ---

// CryptoAdapter reads GET {base}/ticker/{BASE-QUOTE}:
//
//	{"product_id":"BTC-USD","price":"67000.1","open_24h":"66000","volume_24h":"1234.5","time":"2024-06-10T12:00:00Z"}
//
// Bare symbols (BTC) are priced against the reporting currency.
type CryptoAdapter struct {
	client    feedClient
	rec       recorder
	reporting string
	now       func() time.Time
}

// NewCryptoAdapter creates a crypto adapter quoting bare symbols in reporting.
func NewCryptoAdapter(baseURL, reporting string, hc *http.Client, ps store.PriceStore, logger *slog.Logger) *CryptoAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if reporting == "" {
		reporting = "USD"
	}
	return &CryptoAdapter{
		client:    newFeedClient(baseURL, hc),
		rec:       recorder{store: ps, logger: logger},
		reporting: strings.ToUpper(reporting),
		now:       time.Now,
	}
}

func (a *CryptoAdapter) Fetch(ctx context.Context, sym string) (model.Quote, error) {
	parsed, err := symbol.Parse(model.AssetCrypto, sym)
	if err != nil {
		return model.Quote{}, err
	}
	quote := parsed.Quote
	if quote == "" {
		quote = a.reporting
	}
	product := parsed.Base + "-" + quote

	var out struct {
		ProductID string          `json:"product_id"`
		Price     decimal.Decimal `json:"price"`
		Open24h   decimal.Decimal `json:"open_24h"`
		Volume24h decimal.Decimal `json:"volume_24h"`
		Time      time.Time       `json:"time"`
	}
	if err := a.client.getJSON(ctx, "/ticker/"+url.PathEscape(product), nil, &out); err != nil {
		return model.Quote{}, err
	}

	var change, changePct decimal.Decimal
	if out.Open24h.IsPositive() {
		change = out.Price.Sub(out.Open24h)
		changePct = change.Div(out.Open24h).Mul(decimal.NewFromInt(100)).Round(4)
	}
	ts := out.Time.UTC()
	if out.Time.IsZero() {
		ts = a.now().UTC()
	}

	q := model.Quote{
		AssetType:     model.AssetCrypto,
		Symbol:        sym,
		Price:         out.Price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        out.Volume24h,
		Timestamp:     ts,
		Source:        model.SourceLive,
	}
	a.rec.record(ctx, q, "crypto_feed")
	return q, nil
}

// --- Currency ---

// CurrencyAdapter reads GET {base}/rates?base=EUR&symbols=USD:
//
//	{"base":"EUR","timestamp":1718000000,"rates":{"USD":"1.0812"}}
//
// Rates are served from the injected RateCache while it holds them, so
// repeated trades in one pair do not each hit the feed. Cached rates keep
// their original observation time and still go through freshness checks.
type CurrencyAdapter struct {
	client feedClient
	rec    recorder
	cache  *RateCache
	now    func() time.Time
}

// NewCurrencyAdapter creates an FX adapter. cache may be nil.
func NewCurrencyAdapter(baseURL string, cache *RateCache, hc *http.Client, ps store.PriceStore, logger *slog.Logger) *CurrencyAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CurrencyAdapter{
		client: newFeedClient(baseURL, hc),
		rec:    recorder{store: ps, logger: logger},
		cache:  cache,
		now:    time.Now,
	}
}

func (a *CurrencyAdapter) Fetch(ctx context.Context, sym string) (model.Quote, error) {
	parsed, err := symbol.Parse(model.AssetCurrency, sym)
	if err != nil {
		return model.Quote{}, err
	}

	if a.cache != nil {
		if r, ok := a.cache.Get(parsed.Base, parsed.Quote); ok {
			return rateQuote(parsed.Canonical, r), nil
		}
	}

	var out struct {
		Base      string                     `json:"base"`
		Timestamp int64                      `json:"timestamp"`
		Rates     map[string]decimal.Decimal `json:"rates"`
	}
	q := url.Values{"base": {parsed.Base}, "symbols": {parsed.Quote}}
	if err := a.client.getJSON(ctx, "/rates", q, &out); err != nil {
		return model.Quote{}, err
	}
	rate, ok := out.Rates[parsed.Quote]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no %s rate for base %s", ErrUpstream, parsed.Quote, parsed.Base)
	}

	r := Rate{
		Base:       parsed.Base,
		Quote:      parsed.Quote,
		Rate:       rate,
		ObservedAt: unixOrNow(out.Timestamp, a.now()),
	}

	if a.cache != nil {
		a.cache.Put(r)
	}
	quote := rateQuote(parsed.Canonical, r)
	a.rec.record(ctx, quote, "fx_feed")
	return quote, nil
}

func rateQuote(canonical string, r Rate) model.Quote {
	return model.Quote{
		AssetType: model.AssetCurrency,
		Symbol:    canonical,
		Price:     r.Rate,
		Timestamp: r.ObservedAt,
		Source:    model.SourceLive,
	}
}
