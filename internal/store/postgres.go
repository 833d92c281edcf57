package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

// PostgreSQL error codes treated as retryable conflicts.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// NewPool connects to PostgreSQL and registers the shopspring decimal
// codec so NUMERIC columns scan directly into decimal.Decimal.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// WithUserTx locks the user's account row (SELECT ... FOR UPDATE) for
// the duration of one transaction, which linearizes trades per user
// without blocking other users.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, currency, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.UserID, a.Balance, a.Currency, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.UserID)
		}
		if pgCode(err) == pgCheckViolation {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, balance, currency, version, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetHolding(ctx context.Context, key model.HoldingKey) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT user_id, asset_type, symbol, quantity, avg_buy_price, avg_cost_basis, updated_at
		 FROM holdings WHERE user_id = $1 AND asset_type = $2 AND symbol = $3`,
		key.UserID, string(key.AssetType), key.Symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: holding %s", ErrNotFound, key)
	}
	return h, err
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset_type, symbol, quantity, avg_buy_price, avg_cost_basis, updated_at
		 FROM holdings WHERE user_id = $1 ORDER BY asset_type, symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.AssetType != "" {
		add("asset_type = $%d", string(f.AssetType))
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}

	q := `SELECT id, user_id, asset_type, symbol, side, quantity, price, trade_amount,
	             platform_fee, tax_amount, total_fees, total_cost, net_amount, price_source, timestamp
	      FROM trades`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		// Last N in chronological order.
		q = `SELECT * FROM (` + q + fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, f.Limit) + `) t ORDER BY timestamp`
	} else {
		q += " ORDER BY timestamp"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) InsertPriceObservation(ctx context.Context, o *model.PriceObservation) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO price_observations (asset_type, symbol, price, change, change_percent, volume, observed_at, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		string(o.AssetType), o.Symbol, o.Price, o.Change, o.ChangePercent, o.Volume, o.ObservedAt, o.Source,
	).Scan(&o.Seq)
}

func (s *PostgresStore) LatestPrice(ctx context.Context, assetType model.AssetType, symbol string) (*model.PriceObservation, error) {
	var o model.PriceObservation
	var at string
	// Ties on observed_at go to the most recently written row.
	err := s.pool.QueryRow(ctx,
		`SELECT seq, asset_type, symbol, price, change, change_percent, volume, observed_at, source
		 FROM price_observations
		 WHERE asset_type = $1 AND symbol = $2
		 ORDER BY observed_at DESC, seq DESC
		 LIMIT 1`, string(assetType), symbol).
		Scan(&o.Seq, &at, &o.Symbol, &o.Price, &o.Change, &o.ChangePercent, &o.Volume, &o.ObservedAt, &o.Source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: price %s/%s", ErrNotFound, assetType, symbol)
		}
		return nil, fmt.Errorf("latest price %s/%s: %w", assetType, symbol, err)
	}
	o.AssetType = model.AssetType(at)
	return &o, nil
}

func (s *PostgresStore) GetFeePolicy(ctx context.Context) (*model.FeePolicy, error) {
	var p model.FeePolicy
	err := s.pool.QueryRow(ctx,
		`SELECT platform_fee_pct, tax_pct, min_fee, max_fee, updated_at FROM fee_policy WHERE id = 1`).
		Scan(&p.PlatformFeePct, &p.TaxPct, &p.MinFee, &p.MaxFee, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fee policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SaveFeePolicy(ctx context.Context, p model.FeePolicy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_policy (id, platform_fee_pct, tax_pct, min_fee, max_fee, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET platform_fee_pct = EXCLUDED.platform_fee_pct, tax_pct = EXCLUDED.tax_pct,
		     min_fee = EXCLUDED.min_fee, max_fee = EXCLUDED.max_fee, updated_at = EXCLUDED.updated_at`,
		p.PlatformFeePct, p.TaxPct, p.MinFee, p.MaxFee, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) WithUserTx(ctx context.Context, userID string, fn func(tx UserTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT user_id, balance, currency, version, created_at, updated_at
		 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return classify(err)
	}

	ptx := &pgUserTx{tx: tx, account: *acct, balance: acct.Balance}
	if err := fn(ptx); err != nil {
		return classify(err)
	}

	if ptx.dirty {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $2, version = version + 1, updated_at = $3
			 WHERE user_id = $1 AND version = $4`,
			userID, ptx.balance, time.Now().UTC(), acct.Version)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: account %s changed under lock", ErrConflict, userID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		committed = true // rollback is meaningless after a commit attempt
		if isConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("%w: %v", ErrCommitUnknown, err)
	}
	committed = true
	return nil
}

type pgUserTx struct {
	tx      pgx.Tx
	account model.Account
	balance decimal.Decimal
	dirty   bool
}

func (t *pgUserTx) Account() model.Account {
	return t.account
}

func (t *pgUserTx) GetHolding(ctx context.Context, assetType model.AssetType, symbol string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT user_id, asset_type, symbol, quantity, avg_buy_price, avg_cost_basis, updated_at
		 FROM holdings WHERE user_id = $1 AND asset_type = $2 AND symbol = $3`,
		t.account.UserID, string(assetType), symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

func (t *pgUserTx) LastTradeTime(ctx context.Context, assetType model.AssetType, symbol string) (time.Time, error) {
	var last *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM trades WHERE user_id = $1 AND asset_type = $2 AND symbol = $3`,
		t.account.UserID, string(assetType), symbol).Scan(&last)
	if err != nil || last == nil {
		return time.Time{}, err
	}
	return *last, nil
}

func (t *pgUserTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance %s", ErrInvariant, balance)
	}
	t.balance = balance
	t.dirty = true
	return nil
}

func (t *pgUserTx) PutHolding(ctx context.Context, h model.Holding) error {
	if !h.Quantity.IsPositive() {
		return fmt.Errorf("%w: holding quantity %s", ErrInvariant, h.Quantity)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (user_id, asset_type, symbol, quantity, avg_buy_price, avg_cost_basis, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, asset_type, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_buy_price = EXCLUDED.avg_buy_price,
		     avg_cost_basis = EXCLUDED.avg_cost_basis, updated_at = EXCLUDED.updated_at`,
		t.account.UserID, string(h.AssetType), h.Symbol, h.Quantity, h.AvgBuyPrice, h.AvgCostBasis, h.UpdatedAt,
	)
	if err == nil {
		t.dirty = true
	}
	return err
}

func (t *pgUserTx) DeleteHolding(ctx context.Context, assetType model.AssetType, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM holdings WHERE user_id = $1 AND asset_type = $2 AND symbol = $3`,
		t.account.UserID, string(assetType), symbol)
	if err == nil {
		t.dirty = true
	}
	return err
}

func (t *pgUserTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if tr.UserID != t.account.UserID {
		return fmt.Errorf("%w: trade for %s in unit of %s", ErrInvariant, tr.UserID, t.account.UserID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, asset_type, symbol, side, quantity, price, trade_amount,
		                     platform_fee, tax_amount, total_fees, total_cost, net_amount, price_source, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tr.ID, tr.UserID, string(tr.AssetType), tr.Symbol, string(tr.Side),
		tr.Quantity, tr.Price, tr.TradeAmount,
		tr.Fees.PlatformFee, tr.Fees.TaxAmount, tr.Fees.TotalFees,
		tr.TotalCost, tr.NetAmount, tr.PriceSource, tr.Timestamp,
	)
	if err == nil {
		t.dirty = true
	}
	return err
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.UserID, &a.Balance, &a.Currency, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account", ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var at string
	if err := row.Scan(&h.UserID, &at, &h.Symbol, &h.Quantity, &h.AvgBuyPrice, &h.AvgCostBasis, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AssetType = model.AssetType(at)
	return &h, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var at, side string
		if err := rows.Scan(&t.ID, &t.UserID, &at, &t.Symbol, &side,
			&t.Quantity, &t.Price, &t.TradeAmount,
			&t.Fees.PlatformFee, &t.Fees.TaxAmount, &t.Fees.TotalFees,
			&t.TotalCost, &t.NetAmount, &t.PriceSource, &t.Timestamp); err != nil {
			return nil, err
		}
		t.AssetType = model.AssetType(at)
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isConflict(err error) bool {
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// classify maps driver errors raised inside a unit of work onto store
// sentinels, leaving errors already classified (or raised by the caller)
// untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case pgCode(err) == pgCheckViolation:
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return err
}
