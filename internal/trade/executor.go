// Package trade executes buys and sells against a user's virtual cash
// balance and serves the engine's HTTP API.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/fees"
	"github.com/tradesim/trade-engine/internal/metrics"
	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/position"
	"github.com/tradesim/trade-engine/internal/pricing"
	"github.com/tradesim/trade-engine/internal/store"
	"github.com/tradesim/trade-engine/internal/symbol"
)

// Quoter resolves a tradeable, fresh price.
type Quoter interface {
	Resolve(ctx context.Context, assetType model.AssetType, symbol string) (model.Quote, error)
}

// PolicySource serves fee policy snapshots and accepts admin updates.
type PolicySource interface {
	Current(ctx context.Context) (model.FeePolicy, error)
	Update(ctx context.Context, upd fees.PolicyUpdate) (model.FeePolicy, error)
}

// CommitHook observes committed trades. Hooks run after the unit of work
// is durable and must not block.
type CommitHook func(t model.Trade, newBalance decimal.Decimal)

// PriceHook observes price observations recorded through the engine.
type PriceHook func(obs model.PriceObservation)

// maxClockSkew bounds how far in the future an ingested observation may be.
const maxClockSkew = time.Minute

// Executor runs the trade state machine
//
//	Validated → Quoted → FeeComputed → BalanceChecked → Applied → Committed
//
// Balance, holding and trade-ledger writes for one trade happen in a
// single store unit of work. Trades for one user are serialized by a
// keyed lock; trades for different users never contend.
type Executor struct {
	store    store.Store
	quoter   Quoter
	policies PolicySource
	locks    *userLocks
	logger   *slog.Logger
	now      func() time.Time

	retryMax        uint
	startingBalance decimal.Decimal
	currency        string

	commitHooks []CommitHook
	priceHooks  []PriceHook
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRetries sets how many times a unit of work is attempted on conflict.
func WithRetries(n uint) Option {
	return func(e *Executor) {
		if n > 0 {
			e.retryMax = n
		}
	}
}

// WithStartingBalance sets the default opening balance and its currency.
func WithStartingBalance(balance decimal.Decimal, currency string) Option {
	return func(e *Executor) {
		e.startingBalance = balance
		e.currency = currency
	}
}

// OnCommit registers a hook run after every committed trade.
func OnCommit(h CommitHook) Option {
	return func(e *Executor) { e.commitHooks = append(e.commitHooks, h) }
}

// OnPriceRecorded registers a hook run after every recorded observation.
func OnPriceRecorded(h PriceHook) Option {
	return func(e *Executor) { e.priceHooks = append(e.priceHooks, h) }
}

// NewExecutor creates an executor.
func NewExecutor(st store.Store, quoter Quoter, policies PolicySource, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:           st,
		quoter:          quoter,
		policies:        policies,
		locks:           newUserLocks(),
		logger:          logger,
		now:             time.Now,
		retryMax:        5,
		startingBalance: decimal.NewFromInt(100000),
		currency:        "USD",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Results ---

// BuyResult is returned by a committed buy.
type BuyResult struct {
	State      State              `json:"state"`
	Trade      model.Trade        `json:"trade"`
	Fees       model.FeeBreakdown `json:"fees"`
	NewBalance decimal.Decimal    `json:"new_balance"`
	Holding    model.Holding      `json:"holding"`
}

// SellResult is returned by a committed sell.
type SellResult struct {
	State             State              `json:"state"`
	Trade             model.Trade        `json:"trade"`
	Fees              model.FeeBreakdown `json:"fees"`
	NewBalance        decimal.Decimal    `json:"new_balance"`
	RemainingQuantity decimal.Decimal    `json:"remaining_quantity"`
	ProfitLoss        decimal.Decimal    `json:"profit_loss"`
}

// FeePreview is a non-binding fee quote. Exactly one of TotalCost (buy)
// and NetAmount (sell) is set.
type FeePreview struct {
	AssetType   model.AssetType    `json:"asset_type"`
	Symbol      string             `json:"symbol"`
	Side        model.Side         `json:"side"`
	Quantity    decimal.Decimal    `json:"quantity"`
	Price       decimal.Decimal    `json:"price"`
	TradeAmount decimal.Decimal    `json:"trade_amount"`
	Fees        model.FeeBreakdown `json:"fees"`
	TotalCost   *decimal.Decimal   `json:"total_cost,omitempty"`
	NetAmount   *decimal.Decimal   `json:"net_amount,omitempty"`
}

// order is a validated trade request.
type order struct {
	userID    string
	assetType model.AssetType
	symbol    string
	side      model.Side
	qty       decimal.Decimal
}

func (o order) key() model.HoldingKey {
	return model.HoldingKey{UserID: o.userID, AssetType: o.assetType, Symbol: o.symbol}
}

// execution is the outcome of a committed unit of work.
type execution struct {
	trade      model.Trade
	fees       fees.Result
	newBalance decimal.Decimal
	holding    *model.Holding // nil when the position was closed
	prior      *model.Holding
}

// --- Public operations ---

// Buy purchases quantity units of symbol for userID.
func (e *Executor) Buy(ctx context.Context, userID string, assetType model.AssetType, sym string, quantity decimal.Decimal) (*BuyResult, error) {
	ex, err := e.execute(ctx, userID, assetType, sym, model.SideBuy, quantity)
	if err != nil {
		return nil, err
	}
	return &BuyResult{
		State:      StateCommitted,
		Trade:      ex.trade,
		Fees:       ex.fees.Fees,
		NewBalance: ex.newBalance,
		Holding:    *ex.holding,
	}, nil
}

// Sell disposes of quantity units of symbol held by userID.
func (e *Executor) Sell(ctx context.Context, userID string, assetType model.AssetType, sym string, quantity decimal.Decimal) (*SellResult, error) {
	ex, err := e.execute(ctx, userID, assetType, sym, model.SideSell, quantity)
	if err != nil {
		return nil, err
	}
	remaining := decimal.Zero
	if ex.holding != nil {
		remaining = ex.holding.Quantity
	}
	return &SellResult{
		State:             StateCommitted,
		Trade:             ex.trade,
		Fees:              ex.fees.Fees,
		NewBalance:        ex.newBalance,
		RemainingQuantity: remaining,
		ProfitLoss:        position.RealizedPnL(ex.prior.AvgCostBasis, ex.trade.Quantity, ex.fees.NetAmount),
	}, nil
}

// GetAssetPrice resolves the current price of symbol. It never mutates state.
func (e *Executor) GetAssetPrice(ctx context.Context, assetType model.AssetType, sym string) (model.Quote, error) {
	at, canonical, err := validateInstrument(assetType, sym)
	if err != nil {
		return model.Quote{}, err
	}
	q, err := e.quoter.Resolve(ctx, at, canonical)
	if err != nil {
		return model.Quote{}, quoteError(err, at, canonical)
	}
	return q, nil
}

// PreviewFees computes what a trade would cost at the current price
// without touching any account. A sell whose fees exceed its proceeds is
// reported as a validation error carrying the attempted breakdown.
func (e *Executor) PreviewFees(ctx context.Context, assetType model.AssetType, sym string, quantity decimal.Decimal, side model.Side) (*FeePreview, error) {
	o, err := validateOrder("preview", assetType, sym, side, quantity)
	if err != nil {
		return nil, err
	}
	q, err := e.quoter.Resolve(ctx, o.assetType, o.symbol)
	if err != nil {
		return nil, quoteError(err, o.assetType, o.symbol)
	}
	res, err := e.computeFees(ctx, o, q)
	if err != nil {
		return nil, err
	}

	p := &FeePreview{
		AssetType:   o.assetType,
		Symbol:      o.symbol,
		Side:        o.side,
		Quantity:    o.qty,
		Price:       q.Price,
		TradeAmount: res.TradeAmount,
		Fees:        res.Fees,
	}
	if o.side == model.SideBuy {
		p.TotalCost = &res.TotalCost
	} else {
		p.NetAmount = &res.NetAmount
	}
	return p, nil
}

// --- State machine ---

func (e *Executor) execute(ctx context.Context, userID string, assetType model.AssetType, sym string, side model.Side, quantity decimal.Decimal) (ex *execution, err error) {
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
		if err != nil {
			e.recordRejection(userID, assetType, sym, side, err)
		}
	}()

	// Validated
	o, err := validateOrder(userID, assetType, sym, side, quantity)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, o.userID); err != nil {
		return nil, e.storeError(err, StateValidated, o)
	}
	if o.side == model.SideSell {
		if _, err := e.store.GetHolding(ctx, o.key()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, reject(ErrInsufficientHoldings, StateValidated, "no %s %s position held", o.assetType, o.symbol)
			}
			return nil, e.storeError(err, StateValidated, o)
		}
	}

	// Quoted
	q, err := e.quoter.Resolve(ctx, o.assetType, o.symbol)
	if err != nil {
		return nil, quoteError(err, o.assetType, o.symbol)
	}

	// FeeComputed
	res, err := e.computeFees(ctx, o, q)
	if err != nil {
		return nil, err
	}

	// BalanceChecked, Applied, Committed
	ex, err = e.apply(ctx, o, q, res)
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(o.side), string(o.assetType)).Inc()
	e.logger.Info("trade executed",
		"trade_id", ex.trade.ID,
		"user", o.userID,
		"asset_type", o.assetType,
		"symbol", o.symbol,
		"side", o.side,
		"qty", o.qty.String(),
		"price", q.Price.String(),
		"price_source", q.Source,
		"total_fees", res.Fees.TotalFees.String(),
		"new_balance", ex.newBalance.String(),
	)
	for _, h := range e.commitHooks {
		h(ex.trade, ex.newBalance)
	}
	return ex, nil
}

func (e *Executor) computeFees(ctx context.Context, o order, q model.Quote) (fees.Result, error) {
	policy, err := e.policies.Current(ctx)
	if err != nil {
		return fees.Result{}, &RejectionError{
			Err: ErrTradeExecutionFailed, Stage: StateQuoted,
			Reason: fmt.Sprintf("fee policy unavailable: %v", err),
		}
	}
	res, err := fees.Compute(q.Price.Mul(o.qty), o.side, policy)
	if err != nil {
		if errors.Is(err, fees.ErrNegativeProceeds) {
			return res, reject(ErrValidation, StateQuoted,
				"fees %s exceed proceeds %s; quantity too small to sell", res.Fees.TotalFees, res.TradeAmount).withFees(res)
		}
		return res, reject(ErrValidation, StateQuoted, "%v", err)
	}
	return res, nil
}

// apply runs the BalanceChecked and Applied states inside one unit of
// work under the user's lock, retrying on conflict. Once entered it is
// not cancellable by the caller.
func (e *Executor) apply(ctx context.Context, o order, q model.Quote, res fees.Result) (*execution, error) {
	release, err := e.locks.acquire(ctx, o.userID)
	if err != nil {
		return nil, reject(ErrTradeExecutionFailed, StateFeeComputed, "gave up waiting for account lock: %v", err).withFees(res)
	}
	defer release()

	applyCtx := context.WithoutCancel(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond

	for attempt := uint(1); ; attempt++ {
		var ex *execution
		reached := StateFeeComputed
		err := e.store.WithUserTx(applyCtx, o.userID, func(tx store.UserTx) error {
			var txErr error
			ex, txErr = e.applyInTx(applyCtx, tx, o, q, res, &reached)
			return txErr
		})
		if err == nil {
			return ex, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= e.retryMax {
			return nil, e.applyError(err, reached, o, res, attempt)
		}

		metrics.ExecutionRetries.Inc()
		wait := bo.NextBackOff()
		e.logger.Debug("unit of work conflicted, retrying",
			"user", o.userID, "attempt", attempt, "wait", wait)
		time.Sleep(wait)
	}
}

// applyInTx records in reached the last state the unit got through, so a
// failure after the balance check reports where it stopped.
func (e *Executor) applyInTx(ctx context.Context, tx store.UserTx, o order, q model.Quote, res fees.Result, reached *State) (*execution, error) {
	acct := tx.Account()

	h, err := tx.GetHolding(ctx, o.assetType, o.symbol)
	if err != nil {
		return nil, err
	}
	last, err := tx.LastTradeTime(ctx, o.assetType, o.symbol)
	if err != nil {
		return nil, err
	}
	ts := nextTimestamp(e.now(), last)

	ex := &execution{fees: res, prior: h}

	switch o.side {
	case model.SideBuy:
		if acct.Balance.LessThan(res.TotalCost) {
			return nil, reject(ErrInsufficientBalance, StateFeeComputed,
				"balance %s is less than total cost %s", acct.Balance, res.TotalCost).withFees(res)
		}
		*reached = StateBalanceChecked
		ex.newBalance = acct.Balance.Sub(res.TotalCost)
		next, err := position.ApplyBuy(o.key(), h, o.qty, q.Price, res.TotalCost, ts)
		if err != nil {
			return nil, err
		}
		if err := tx.PutHolding(ctx, *next); err != nil {
			return nil, err
		}
		ex.holding = next

	case model.SideSell:
		next, err := position.ApplySell(h, o.qty, ts)
		if err != nil {
			if errors.Is(err, position.ErrInsufficientHoldings) {
				held := decimal.Zero
				if h != nil {
					held = h.Quantity
				}
				return nil, reject(ErrInsufficientHoldings, StateFeeComputed,
					"holding %s %s, asked to sell %s", held, o.symbol, o.qty).withFees(res)
			}
			return nil, err
		}
		*reached = StateBalanceChecked
		if next == nil {
			err = tx.DeleteHolding(ctx, o.assetType, o.symbol)
		} else {
			err = tx.PutHolding(ctx, *next)
		}
		if err != nil {
			return nil, err
		}
		ex.newBalance = acct.Balance.Add(res.NetAmount)
		ex.holding = next
	}

	if err := tx.SetBalance(ctx, ex.newBalance); err != nil {
		return nil, err
	}

	ex.trade = model.Trade{
		ID:          uuid.NewString(),
		UserID:      o.userID,
		AssetType:   o.assetType,
		Symbol:      o.symbol,
		Side:        o.side,
		Quantity:    o.qty,
		Price:       q.Price,
		TradeAmount: res.TradeAmount,
		Fees:        res.Fees,
		TotalCost:   res.TotalCost,
		NetAmount:   res.NetAmount,
		PriceSource: q.Source,
		Timestamp:   ts,
	}
	if err := tx.InsertTrade(ctx, &ex.trade); err != nil {
		return nil, err
	}
	*reached = StateApplied
	return ex, nil
}

// nextTimestamp returns now, or just after last when the clock has not
// moved past it, so a user's trades in one instrument stay strictly
// ordered. Microsecond resolution matches the SQL store.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Add(time.Microsecond)
	}
	return ts
}

// --- Error mapping ---

func (e *Executor) applyError(err error, reached State, o order, res fees.Result, attempts uint) error {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return reject(ErrAccountNotFound, StateFeeComputed, "no account for user %s", o.userID)
	case errors.Is(err, store.ErrConflict):
		return reject(ErrPersistenceConflict, reached,
			"concurrent update persisted after %d attempts", attempts).withFees(res)
	case errors.Is(err, store.ErrCommitUnknown):
		metrics.ReconciliationEvents.Inc()
		e.logger.Error("trade commit outcome unknown",
			"reconciliation_required", true,
			"user", o.userID,
			"asset_type", o.assetType,
			"symbol", o.symbol,
			"side", o.side,
			"qty", o.qty.String(),
			"trade_amount", res.TradeAmount.String(),
			"total_fees", res.Fees.TotalFees.String(),
			"error", err,
		)
		return reject(ErrTradeExecutionFailed, reached,
			"commit outcome unknown; flagged for reconciliation").withFees(res)
	default:
		e.logger.Error("trade unit of work failed", "user", o.userID, "symbol", o.symbol, "error", err)
		return reject(ErrTradeExecutionFailed, reached, "%v", err).withFees(res)
	}
}

func (e *Executor) storeError(err error, stage State, o order) error {
	if errors.Is(err, store.ErrNotFound) {
		return reject(ErrAccountNotFound, stage, "no account for user %s", o.userID)
	}
	e.logger.Error("store read failed", "user", o.userID, "error", err)
	return reject(ErrTradeExecutionFailed, stage, "%v", err)
}

func quoteError(err error, assetType model.AssetType, sym string) error {
	if errors.Is(err, pricing.ErrStaleData) {
		return reject(ErrStaleData, StateValidated, "%v", err)
	}
	if errors.Is(err, context.Canceled) {
		return reject(ErrPriceUnavailable, StateValidated, "price lookup for %s/%s cancelled", assetType, sym)
	}
	return reject(ErrPriceUnavailable, StateValidated, "%v", err)
}

func (e *Executor) recordRejection(userID string, assetType model.AssetType, sym string, side model.Side, err error) {
	code := Code(err)
	metrics.TradeRejections.WithLabelValues(string(side), code).Inc()

	attrs := []any{"user", userID, "asset_type", assetType, "symbol", sym, "side", side, "code", code, "error", err}
	var rej *RejectionError
	if errors.As(err, &rej) {
		attrs = append(attrs, "stage", rej.Stage)
	}
	if HTTPStatus(err) >= 500 && !errors.Is(err, ErrPriceUnavailable) && !errors.Is(err, ErrStaleData) {
		e.logger.Error("trade failed", attrs...)
		return
	}
	e.logger.Warn("trade rejected", attrs...)
}

// --- Validation ---

func validateInstrument(assetType model.AssetType, raw string) (model.AssetType, string, error) {
	at, err := model.ParseAssetType(string(assetType))
	if err != nil {
		return "", "", reject(ErrValidation, "", "%v", err)
	}
	canonical, err := symbol.Normalize(at, raw)
	if err != nil {
		return "", "", reject(ErrValidation, "", "%v", err)
	}
	return at, canonical, nil
}

func validateOrder(userID string, assetType model.AssetType, raw string, side model.Side, qty decimal.Decimal) (order, error) {
	if strings.TrimSpace(userID) == "" {
		return order{}, reject(ErrValidation, "", "user_id is required")
	}
	at, canonical, err := validateInstrument(assetType, raw)
	if err != nil {
		return order{}, err
	}
	s, err := model.ParseSide(string(side))
	if err != nil {
		return order{}, reject(ErrValidation, "", "%v", err)
	}
	if !qty.IsPositive() {
		return order{}, reject(ErrValidation, "", "quantity must be positive, got %s", qty)
	}
	return order{userID: userID, assetType: at, symbol: canonical, side: s, qty: qty}, nil
}
