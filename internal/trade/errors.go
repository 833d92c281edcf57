package trade

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tradesim/trade-engine/internal/fees"
)

// Rejection taxonomy. Every error returned by the Executor wraps exactly
// one of these.
var (
	ErrValidation           = errors.New("validation error")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrStaleData            = errors.New("stale price data")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrPersistenceConflict  = errors.New("persistence conflict")
	ErrTradeExecutionFailed = errors.New("trade execution failed")
)

// State is a step of the execution state machine.
type State string

const (
	StateValidated      State = "validated"
	StateQuoted         State = "quoted"
	StateFeeComputed    State = "fee_computed"
	StateBalanceChecked State = "balance_checked"
	StateApplied        State = "applied"
	StateCommitted      State = "committed"
)

// RejectionError is a failed trade. Stage is the last state the trade
// reached; Fees is the attempted breakdown when it was computed.
type RejectionError struct {
	Err    error
	Reason string
	Stage  State
	Fees   *fees.Result
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, stage State, format string, args ...any) *RejectionError {
	return &RejectionError{Err: err, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

func (e *RejectionError) withFees(r fees.Result) *RejectionError {
	e.Fees = &r
	return e
}

// Code returns the stable client-facing code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrStaleData):
		return "stale_data"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrPersistenceConflict):
		return "persistence_conflict"
	default:
		return "trade_execution_failed"
	}
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPriceUnavailable), errors.Is(err, ErrStaleData):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPersistenceConflict), errors.Is(err, ErrAccountExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
