package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/fees"
	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/store"
)

// CreateAccount opens an account. An empty userID is assigned a UUID; a
// nil balance uses the configured starting balance.
func (e *Executor) CreateAccount(ctx context.Context, userID string, balance *decimal.Decimal) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()
	}
	opening := e.startingBalance
	if balance != nil {
		opening = *balance
	}
	if opening.IsNegative() {
		return nil, reject(ErrValidation, "", "opening balance must not be negative, got %s", opening)
	}

	now := e.now().UTC()
	acct := &model.Account{
		UserID:    userID,
		Balance:   opening,
		Currency:  e.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return nil, reject(ErrAccountExists, "", "user %s already has an account", userID)
		}
		return nil, reject(ErrTradeExecutionFailed, "", "%v", err)
	}

	e.logger.Info("account created", "user", userID, "balance", opening.String(), "currency", e.currency)
	return acct, nil
}

// GetAccount returns the account for userID.
func (e *Executor) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, e.storeError(err, "", order{userID: userID})
	}
	return acct, nil
}

// GetPortfolio returns the user's cash and open holdings.
func (e *Executor) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, err := e.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := e.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, e.storeError(err, "", order{userID: userID})
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	return &model.Portfolio{
		UserID:   acct.UserID,
		Balance:  acct.Balance,
		Currency: acct.Currency,
		Holdings: holdings,
	}, nil
}

// ListTrades returns a user's trades in chronological order, optionally
// narrowed to one asset type and symbol.
func (e *Executor) ListTrades(ctx context.Context, userID string, assetType model.AssetType, sym string, limit int) ([]model.Trade, error) {
	f := store.TradeFilter{UserID: userID, Limit: limit}
	if assetType != "" {
		at, err := model.ParseAssetType(string(assetType))
		if err != nil {
			return nil, reject(ErrValidation, "", "%v", err)
		}
		f.AssetType = at
		if sym != "" {
			_, canonical, err := validateInstrument(at, sym)
			if err != nil {
				return nil, err
			}
			f.Symbol = canonical
		}
	} else if sym != "" {
		return nil, reject(ErrValidation, "", "asset_type is required to filter by symbol")
	}

	trades, err := e.store.ListTrades(ctx, f)
	if err != nil {
		return nil, e.storeError(err, "", order{userID: userID})
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// RecordPrice ingests an upstream observation into the asset store. A zero
// ObservedAt is stamped with the current time.
func (e *Executor) RecordPrice(ctx context.Context, obs model.PriceObservation) (*model.PriceObservation, error) {
	at, canonical, err := validateInstrument(obs.AssetType, obs.Symbol)
	if err != nil {
		return nil, err
	}
	if !obs.Price.IsPositive() {
		return nil, reject(ErrValidation, "", "price must be positive, got %s", obs.Price)
	}
	now := e.now().UTC()
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = now
	}
	if obs.ObservedAt.After(now.Add(maxClockSkew)) {
		return nil, reject(ErrValidation, "", "observed_at %s is in the future", obs.ObservedAt.Format(time.RFC3339))
	}
	if obs.Source == "" {
		obs.Source = "ingest"
	}
	obs.AssetType = at
	obs.Symbol = canonical
	obs.ObservedAt = obs.ObservedAt.UTC()

	if err := e.store.InsertPriceObservation(ctx, &obs); err != nil {
		return nil, reject(ErrTradeExecutionFailed, "", "%v", err)
	}
	for _, h := range e.priceHooks {
		h(obs)
	}
	return &obs, nil
}

// GetFeePolicy returns the policy currently applied to new trades.
func (e *Executor) GetFeePolicy(ctx context.Context) (model.FeePolicy, error) {
	p, err := e.policies.Current(ctx)
	if err != nil {
		return model.FeePolicy{}, reject(ErrTradeExecutionFailed, "", "fee policy unavailable: %v", err)
	}
	return p, nil
}

// UpdateFeePolicy applies a partial policy update. Out-of-range values are
// rejected as validation errors and leave the policy unchanged.
func (e *Executor) UpdateFeePolicy(ctx context.Context, upd fees.PolicyUpdate) (model.FeePolicy, error) {
	p, err := e.policies.Update(ctx, upd)
	if err != nil {
		if errors.Is(err, fees.ErrInvalidPolicy) {
			return model.FeePolicy{}, reject(ErrValidation, "", "%v", err)
		}
		return model.FeePolicy{}, reject(ErrTradeExecutionFailed, "", "%v", err)
	}
	return p, nil
}
