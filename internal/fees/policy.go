package fees

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

var ErrInvalidPolicy = errors.New("fees: invalid fee policy")

// Policy field bounds.
var (
	MaxPct    = decimal.NewFromInt(10)
	MaxFeeCap = decimal.NewFromInt(1_000_000)
)

// DefaultPolicy is served until an administrator stores one.
func DefaultPolicy() model.FeePolicy {
	return model.FeePolicy{
		PlatformFeePct: decimal.RequireFromString("0.5"),
		TaxPct:         decimal.RequireFromString("0.1"),
		MinFee:         decimal.NewFromInt(10),
		MaxFee:         decimal.NewFromInt(1000),
	}
}

// Validate checks every field against its bounds.
func Validate(p model.FeePolicy) error {
	switch {
	case p.PlatformFeePct.IsNegative() || p.PlatformFeePct.GreaterThan(MaxPct):
		return fmt.Errorf("%w: platform_fee_pct must be within [0, %s]", ErrInvalidPolicy, MaxPct)
	case p.TaxPct.IsNegative() || p.TaxPct.GreaterThan(MaxPct):
		return fmt.Errorf("%w: tax_pct must be within [0, %s]", ErrInvalidPolicy, MaxPct)
	case p.MinFee.IsNegative():
		return fmt.Errorf("%w: min_fee must be non-negative", ErrInvalidPolicy)
	case p.MaxFee.LessThan(p.MinFee):
		return fmt.Errorf("%w: max_fee must be >= min_fee", ErrInvalidPolicy)
	case p.MaxFee.GreaterThan(MaxFeeCap):
		return fmt.Errorf("%w: max_fee must be <= %s", ErrInvalidPolicy, MaxFeeCap)
	}
	return nil
}

// PolicyUpdate is a partial fee policy change. Absent fields keep their
// current value.
type PolicyUpdate struct {
	PlatformFeePct *decimal.Decimal `json:"platform_fee_pct"`
	TaxPct         *decimal.Decimal `json:"tax_pct"`
	MinFee         *decimal.Decimal `json:"min_fee"`
	MaxFee         *decimal.Decimal `json:"max_fee"`
}

// DecodeUpdate strictly decodes a JSON policy update. Unknown keys and
// trailing data are rejected.
func DecodeUpdate(r io.Reader) (PolicyUpdate, error) {
	var upd PolicyUpdate
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		return PolicyUpdate{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if dec.More() {
		return PolicyUpdate{}, fmt.Errorf("%w: trailing data after policy document", ErrInvalidPolicy)
	}
	if upd.IsEmpty() {
		return PolicyUpdate{}, fmt.Errorf("%w: no fields to update", ErrInvalidPolicy)
	}
	return upd, nil
}

// DecodeUpdateBytes is DecodeUpdate over a byte slice.
func DecodeUpdateBytes(b []byte) (PolicyUpdate, error) {
	return DecodeUpdate(bytes.NewReader(b))
}

// IsEmpty reports whether the update changes nothing.
func (u PolicyUpdate) IsEmpty() bool {
	return u.PlatformFeePct == nil && u.TaxPct == nil && u.MinFee == nil && u.MaxFee == nil
}

// Apply merges u onto base and validates the result.
func (u PolicyUpdate) Apply(base model.FeePolicy) (model.FeePolicy, error) {
	next := base
	if u.PlatformFeePct != nil {
		next.PlatformFeePct = *u.PlatformFeePct
	}
	if u.TaxPct != nil {
		next.TaxPct = *u.TaxPct
	}
	if u.MinFee != nil {
		next.MinFee = *u.MinFee
	}
	if u.MaxFee != nil {
		next.MaxFee = *u.MaxFee
	}
	if err := Validate(next); err != nil {
		return base, err
	}
	return next, nil
}
