// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAccountExists = errors.New("store: account already exists")
	// ErrConflict reports a lost race with a concurrent writer for the
	// same user. The whole unit of work may be retried.
	ErrConflict = errors.New("store: concurrent update conflict")
	// ErrCommitUnknown reports a commit whose outcome could not be
	// determined; the caller must reconcile rather than retry blindly.
	ErrCommitUnknown = errors.New("store: commit outcome unknown")
	// ErrInvariant reports a write that would break an accounting
	// invariant (negative balance, non-positive holding).
	ErrInvariant = errors.New("store: invariant violation")
)

// TradeFilter narrows ListTrades. Empty fields match everything.
type TradeFilter struct {
	UserID    string
	AssetType model.AssetType
	Symbol    string
	Limit     int
}

// PriceStore is the unified asset store of upstream price observations.
type PriceStore interface {
	// InsertPriceObservation appends an observation and assigns its Seq.
	InsertPriceObservation(ctx context.Context, obs *model.PriceObservation) error

	// LatestPrice returns the newest observation for (assetType, symbol),
	// ordered by ObservedAt then by write order. ErrNotFound if none.
	LatestPrice(ctx context.Context, assetType model.AssetType, symbol string) (*model.PriceObservation, error)
}

// PolicyStore persists the single fee policy document.
type PolicyStore interface {
	// GetFeePolicy returns (nil, nil) when no policy has been stored.
	GetFeePolicy(ctx context.Context) (*model.FeePolicy, error)
	SaveFeePolicy(ctx context.Context, p model.FeePolicy) error
}

// UserTx is a unit of work scoped to one user's account, holdings and
// trades. Writes are staged and become visible atomically when the
// enclosing WithUserTx returns nil.
type UserTx interface {
	// Account returns the account as read at the start of the unit.
	Account() model.Account

	// GetHolding returns the holding for (assetType, symbol) or nil.
	GetHolding(ctx context.Context, assetType model.AssetType, symbol string) (*model.Holding, error)

	// LastTradeTime returns the timestamp of the user's most recent trade
	// in (assetType, symbol), or the zero time.
	LastTradeTime(ctx context.Context, assetType model.AssetType, symbol string) (time.Time, error)

	SetBalance(ctx context.Context, balance decimal.Decimal) error
	PutHolding(ctx context.Context, h model.Holding) error
	DeleteHolding(ctx context.Context, assetType model.AssetType, symbol string) error
	InsertTrade(ctx context.Context, trade *model.Trade) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	PriceStore
	PolicyStore

	// --- Accounts ---

	// CreateAccount persists a new account. ErrAccountExists on duplicates.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account. ErrNotFound if absent.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Holdings ---

	// GetHolding returns one holding. ErrNotFound if absent.
	GetHolding(ctx context.Context, key model.HoldingKey) (*model.Holding, error)

	// ListHoldings returns all open holdings for a user.
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Immutable trade ledger ---

	// ListTrades returns trades matching f in chronological order.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// --- Atomic unit of work ---

	// WithUserTx runs fn with exclusive write access to userID's rows.
	// If fn returns an error nothing is applied. ErrNotFound if the
	// account does not exist; ErrConflict if a concurrent writer won.
	WithUserTx(ctx context.Context, userID string, fn func(tx UserTx) error) error
}

func isCommitUnknown(err error) bool {
	return errors.Is(err, ErrCommitUnknown)
}
