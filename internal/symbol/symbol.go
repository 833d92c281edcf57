// Package symbol handles symbol parsing and normalisation for each asset
// class the engine trades.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tradesim/trade-engine/internal/model"
)

// stockRegex matches exchange tickers such as AAPL, BRK.B or RDS-A.
var stockRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// cryptoRegex matches BTC or BTC-USD style symbols.
var cryptoRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})(?:-([A-Z]{3,5}))?$`)

// pairRegex matches EURUSD, EUR/USD and EUR-USD.
var pairRegex = regexp.MustCompile(`^([A-Z]{3})[/\-]?([A-Z]{3})$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrSamePair      = errors.New("symbol: currency pair must have distinct legs")
)

// Symbol is a parsed, normalised instrument identifier.
type Symbol struct {
	AssetType model.AssetType `json:"asset_type"`
	Canonical string          `json:"canonical"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote,omitempty"`
}

// Parse validates raw against the format of assetType and returns its
// canonical form. Crypto symbols without an explicit quote currency are
// kept bare; currency pairs are always rendered BASE/QUOTE.
func Parse(assetType model.AssetType, raw string) (*Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))

	switch assetType {
	case model.AssetStock:
		if !stockRegex.MatchString(s) {
			return nil, fmt.Errorf("%w: %q is not a stock ticker", ErrInvalidSymbol, raw)
		}
		return &Symbol{AssetType: assetType, Canonical: s, Base: s}, nil

	case model.AssetCrypto:
		m := cryptoRegex.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("%w: %q is not a crypto symbol (expected BTC or BTC-USD)", ErrInvalidSymbol, raw)
		}
		return &Symbol{AssetType: assetType, Canonical: s, Base: m[1], Quote: m[2]}, nil

	case model.AssetCurrency:
		m := pairRegex.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("%w: %q is not a currency pair (expected EUR/USD)", ErrInvalidSymbol, raw)
		}
		if m[1] == m[2] {
			return nil, fmt.Errorf("%w: %s", ErrSamePair, s)
		}
		return &Symbol{
			AssetType: assetType,
			Canonical: m[1] + "/" + m[2],
			Base:      m[1],
			Quote:     m[2],
		}, nil
	}

	return nil, fmt.Errorf("%w: unsupported asset type %q", ErrInvalidSymbol, assetType)
}

// Normalize is a convenience wrapper returning only the canonical string.
func Normalize(assetType model.AssetType, raw string) (string, error) {
	sym, err := Parse(assetType, raw)
	if err != nil {
		return "", err
	}
	return sym.Canonical, nil
}
