// Package position maintains weighted-average holdings. Every buy lot is
// merged into a single quantity/average pair; individual lots are not
// tracked.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

var (
	ErrInvalidQuantity      = errors.New("position: quantity must be positive")
	ErrInsufficientHoldings = errors.New("position: insufficient holdings")
)

// ApplyBuy merges a buy of qty at price, costing totalCost including fees,
// into h. A nil h opens a new holding for key.
func ApplyBuy(key model.HoldingKey, h *model.Holding, qty, price, totalCost decimal.Decimal, at time.Time) (*model.Holding, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}

	if h == nil || !h.Quantity.IsPositive() {
		return &model.Holding{
			UserID:       key.UserID,
			AssetType:    key.AssetType,
			Symbol:       key.Symbol,
			Quantity:     qty,
			AvgBuyPrice:  price,
			AvgCostBasis: totalCost.Div(qty),
			UpdatedAt:    at,
		}, nil
	}

	oldQty := h.Quantity
	newQty := oldQty.Add(qty)

	next := *h
	next.Quantity = newQty
	next.AvgBuyPrice = weightedAvg(h.AvgBuyPrice, oldQty, price, qty)
	next.AvgCostBasis = h.AvgCostBasis.Mul(oldQty).Add(totalCost).Div(newQty)
	next.UpdatedAt = at
	return &next, nil
}

// ApplySell removes qty from h. It returns nil when the position is
// closed; averages are discarded since nothing is left to average.
func ApplySell(h *model.Holding, qty decimal.Decimal, at time.Time) (*model.Holding, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no position held", ErrInsufficientHoldings)
	}
	if h.Quantity.LessThan(qty) {
		return nil, fmt.Errorf("%w: holding %s, selling %s", ErrInsufficientHoldings, h.Quantity, qty)
	}

	remaining := h.Quantity.Sub(qty)
	if remaining.IsZero() {
		return nil, nil
	}

	next := *h
	next.Quantity = remaining
	next.UpdatedAt = at
	return &next, nil
}

// RealizedPnL is the gain on selling qty for netAmount against the
// holding's average cost basis. It is a reporting value, never stored.
func RealizedPnL(avgCostBasis, qty, netAmount decimal.Decimal) decimal.Decimal {
	return netAmount.Sub(avgCostBasis.Mul(qty))
}

// UnrealizedPnL marks the holding to price.
func UnrealizedPnL(h model.Holding, price decimal.Decimal) decimal.Decimal {
	return price.Sub(h.AvgCostBasis).Mul(h.Quantity)
}

func weightedAvg(existingAvg, existingQty, newPrice, newQty decimal.Decimal) decimal.Decimal {
	if existingQty.IsZero() {
		return newPrice
	}
	return existingAvg.Mul(existingQty).
		Add(newPrice.Mul(newQty)).
		Div(existingQty.Add(newQty))
}
