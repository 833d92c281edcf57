// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetType is the asset class a symbol trades in.
type AssetType string

const (
	AssetStock    AssetType = "stock"
	AssetCrypto   AssetType = "crypto"
	AssetCurrency AssetType = "currency"
)

// ParseAssetType normalises and validates an asset class name.
func ParseAssetType(s string) (AssetType, error) {
	switch t := AssetType(strings.ToLower(strings.TrimSpace(s))); t {
	case AssetStock, AssetCrypto, AssetCurrency:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported asset type %q", s)
	}
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises and validates a trade side.
func ParseSide(s string) (Side, error) {
	switch side := Side(strings.ToLower(strings.TrimSpace(s))); side {
	case SideBuy, SideSell:
		return side, nil
	default:
		return "", fmt.Errorf("side must be buy or sell, got %q", s)
	}
}

// Account holds a user's virtual cash. Balance never goes negative.
// Version increments on every committed mutation.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	Version   int64           `json:"version" db:"version"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// HoldingKey identifies a position. At most one holding exists per key.
type HoldingKey struct {
	UserID    string
	AssetType AssetType
	Symbol    string
}

func (k HoldingKey) String() string {
	return k.UserID + "/" + string(k.AssetType) + "/" + k.Symbol
}

// Holding is a weighted-average position. A holding with zero quantity
// is deleted rather than stored.
type Holding struct {
	UserID       string          `json:"user_id" db:"user_id"`
	AssetType    AssetType       `json:"asset_type" db:"asset_type"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`   // asset price only
	AvgCostBasis decimal.Decimal `json:"avg_cost_basis" db:"avg_cost_basis"` // price + amortized fees
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the holding's identity.
func (h Holding) Key() HoldingKey {
	return HoldingKey{UserID: h.UserID, AssetType: h.AssetType, Symbol: h.Symbol}
}

// FeeBreakdown is the result of applying a FeePolicy to a notional.
type FeeBreakdown struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

// Trade is an immutable record of an execution.
// Once created, trades are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	AssetType   AssetType       `json:"asset_type" db:"asset_type"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TradeAmount decimal.Decimal `json:"trade_amount" db:"trade_amount"`
	Fees        FeeBreakdown    `json:"fees"`
	// TotalCost is set on buys, NetAmount on sells.
	TotalCost   decimal.Decimal `json:"total_cost" db:"total_cost"`
	NetAmount   decimal.Decimal `json:"net_amount" db:"net_amount"`
	PriceSource string          `json:"price_source" db:"price_source"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote source tags.
const (
	SourceStore = "store"
	SourceLive  = "live"
)

// Quote is an ephemeral, resolved price. It is never persisted by the
// resolver itself.
type Quote struct {
	AssetType     AssetType       `json:"asset_type"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
}

// Age reports how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// PriceObservation is a persisted upstream price point in the unified
// asset store. Seq orders observations by write time.
type PriceObservation struct {
	Seq           int64           `json:"seq" db:"seq"`
	AssetType     AssetType       `json:"asset_type" db:"asset_type"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Change        decimal.Decimal `json:"change" db:"change"`
	ChangePercent decimal.Decimal `json:"change_percent" db:"change_percent"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
	ObservedAt    time.Time       `json:"observed_at" db:"observed_at"`
	Source        string          `json:"source" db:"source"`
}

// Quote converts a stored observation into a quote tagged with source.
func (o PriceObservation) Quote(source string) Quote {
	return Quote{
		AssetType:     o.AssetType,
		Symbol:        o.Symbol,
		Price:         o.Price,
		Change:        o.Change,
		ChangePercent: o.ChangePercent,
		Volume:        o.Volume,
		Timestamp:     o.ObservedAt,
		Source:        source,
	}
}

// FeePolicy is the admin-configurable fee schedule. Percentages are
// expressed in percent (0.5 means 0.5%).
type FeePolicy struct {
	PlatformFeePct decimal.Decimal `json:"platform_fee_pct"`
	TaxPct         decimal.Decimal `json:"tax_pct"`
	MinFee         decimal.Decimal `json:"min_fee"`
	MaxFee         decimal.Decimal `json:"max_fee"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Portfolio is a user's cash plus open holdings.
type Portfolio struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Holdings []Holding       `json:"holdings"`
}
