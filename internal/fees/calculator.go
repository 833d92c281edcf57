// Package fees computes platform and tax fees for a trade and serves the
// admin-configurable fee policy.
//
// Compute is pure: the policy snapshot is passed in by the caller, so a
// trade's fees are reproducible even if the policy changes mid-flight.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

var (
	ErrNegativeNotional = errors.New("fees: notional must be non-negative")
	ErrNegativeProceeds = errors.New("fees: fees exceed sale proceeds")
	ErrUnknownSide      = errors.New("fees: unknown trade side")
)

var hundred = decimal.NewFromInt(100)

// Result is the full fee computation for one trade.
type Result struct {
	TradeAmount decimal.Decimal    `json:"trade_amount"`
	Fees        model.FeeBreakdown `json:"fees"`
	TotalCost   decimal.Decimal    `json:"total_cost,omitempty"` // buys: debited from balance
	NetAmount   decimal.Decimal    `json:"net_amount,omitempty"` // sells: credited to balance
}

// Settlement returns the signed balance delta the result implies:
// -TotalCost for buys, +NetAmount for sells.
func (r Result) Settlement(side model.Side) decimal.Decimal {
	if side == model.SideBuy {
		return r.TotalCost.Neg()
	}
	return r.NetAmount
}

// Compute applies policy to notional for side.
//
//	platformFee = clamp(notional * platformFeePct/100, minFee, maxFee)
//	taxAmount   = notional * taxPct/100
//
// A sell whose fees exceed its notional is rejected with
// ErrNegativeProceeds; the result is still returned so callers can show
// the attempted breakdown.
func Compute(notional decimal.Decimal, side model.Side, policy model.FeePolicy) (Result, error) {
	if notional.IsNegative() {
		return Result{}, fmt.Errorf("%w: %s", ErrNegativeNotional, notional)
	}

	platformFee := clamp(notional.Mul(policy.PlatformFeePct).Div(hundred), policy.MinFee, policy.MaxFee)
	taxAmount := notional.Mul(policy.TaxPct).Div(hundred)

	res := Result{
		TradeAmount: notional,
		Fees: model.FeeBreakdown{
			PlatformFee: platformFee,
			TaxAmount:   taxAmount,
			TotalFees:   platformFee.Add(taxAmount),
		},
	}

	switch side {
	case model.SideBuy:
		res.TotalCost = notional.Add(res.Fees.TotalFees)
	case model.SideSell:
		res.NetAmount = notional.Sub(res.Fees.TotalFees)
		if res.NetAmount.IsNegative() {
			return res, fmt.Errorf("%w: notional %s, fees %s", ErrNegativeProceeds, notional, res.Fees.TotalFees)
		}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}

	return res, nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
