package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/model"
)

type priceKey struct {
	assetType model.AssetType
	symbol    string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithUserTx stages writes and applies them under the store lock after
// checking the account version read at the start of the unit, so a
// unit either applies completely or not at all.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	holdings map[model.HoldingKey]*model.Holding
	trades   []model.Trade
	prices   map[priceKey]model.PriceObservation
	priceSeq int64
	policy   *model.FeePolicy
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		holdings: make(map[model.HoldingKey]*model.Holding),
		prices:   make(map[priceKey]model.PriceObservation),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	if a.Balance.IsNegative() {
		return fmt.Errorf("%w: negative opening balance", ErrInvariant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.UserID)
	}
	copy := *a
	s.accounts[a.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, key model.HoldingKey) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[key]
	if !ok {
		return nil, fmt.Errorf("%w: holding %s", ErrNotFound, key)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.UserID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AssetType != result[j].AssetType {
			return result[i].AssetType < result[j].AssetType
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.AssetType != "" && t.AssetType != f.AssetType {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result, nil
}

func (s *MemoryStore) InsertPriceObservation(_ context.Context, obs *model.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.priceSeq++
	obs.Seq = s.priceSeq

	k := priceKey{obs.AssetType, obs.Symbol}
	cur, ok := s.prices[k]
	// Equal timestamps: the later write wins.
	if !ok || !obs.ObservedAt.Before(cur.ObservedAt) {
		s.prices[k] = *obs
	}
	return nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, assetType model.AssetType, symbol string) (*model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, ok := s.prices[priceKey{assetType, symbol}]
	if !ok {
		return nil, fmt.Errorf("%w: price %s/%s", ErrNotFound, assetType, symbol)
	}
	return &obs, nil
}

func (s *MemoryStore) GetFeePolicy(_ context.Context) (*model.FeePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.policy == nil {
		return nil, nil
	}
	copy := *s.policy
	return &copy, nil
}

func (s *MemoryStore) SaveFeePolicy(_ context.Context, p model.FeePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policy = &p
	return nil
}

func (s *MemoryStore) WithUserTx(ctx context.Context, userID string, fn func(tx UserTx) error) error {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	tx := &memTx{
		store:    s,
		account:  *acct,
		version:  acct.Version,
		balance:  acct.Balance,
		holdings: make(map[model.HoldingKey]*model.Holding),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	if !tx.dirty {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[tx.account.UserID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, tx.account.UserID)
	}
	if cur.Version != tx.version {
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			ErrConflict, cur.UserID, cur.Version, tx.version)
	}

	now := time.Now().UTC()
	cur.Balance = tx.balance
	cur.Version++
	cur.UpdatedAt = now

	for k, h := range tx.holdings {
		if h == nil {
			delete(s.holdings, k)
			continue
		}
		copy := *h
		s.holdings[k] = &copy
	}
	s.trades = append(s.trades, tx.trades...)
	return nil
}

// memTx stages a user's writes. A nil entry in holdings marks a delete.
type memTx struct {
	store    *MemoryStore
	account  model.Account
	version  int64
	balance  decimal.Decimal
	holdings map[model.HoldingKey]*model.Holding
	trades   []model.Trade
	dirty    bool
}

func (tx *memTx) Account() model.Account {
	return tx.account
}

func (tx *memTx) key(assetType model.AssetType, symbol string) model.HoldingKey {
	return model.HoldingKey{UserID: tx.account.UserID, AssetType: assetType, Symbol: symbol}
}

func (tx *memTx) GetHolding(ctx context.Context, assetType model.AssetType, symbol string) (*model.Holding, error) {
	k := tx.key(assetType, symbol)
	if staged, ok := tx.holdings[k]; ok {
		if staged == nil {
			return nil, nil
		}
		copy := *staged
		return &copy, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	h, ok := tx.store.holdings[k]
	if !ok {
		return nil, nil
	}
	copy := *h
	return &copy, nil
}

func (tx *memTx) LastTradeTime(_ context.Context, assetType model.AssetType, symbol string) (time.Time, error) {
	var last time.Time
	match := func(t model.Trade) {
		if t.UserID == tx.account.UserID && t.AssetType == assetType && t.Symbol == symbol && t.Timestamp.After(last) {
			last = t.Timestamp
		}
	}

	tx.store.mu.RLock()
	for _, t := range tx.store.trades {
		match(t)
	}
	tx.store.mu.RUnlock()

	for _, t := range tx.trades {
		match(t)
	}
	return last, nil
}

func (tx *memTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance %s", ErrInvariant, balance)
	}
	tx.balance = balance
	tx.dirty = true
	return nil
}

func (tx *memTx) PutHolding(_ context.Context, h model.Holding) error {
	if !h.Quantity.IsPositive() {
		return fmt.Errorf("%w: holding quantity %s", ErrInvariant, h.Quantity)
	}
	h.UserID = tx.account.UserID
	tx.holdings[h.Key()] = &h
	tx.dirty = true
	return nil
}

func (tx *memTx) DeleteHolding(_ context.Context, assetType model.AssetType, symbol string) error {
	tx.holdings[tx.key(assetType, symbol)] = nil
	tx.dirty = true
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, trade *model.Trade) error {
	if trade.UserID != tx.account.UserID {
		return fmt.Errorf("%w: trade for %s in unit of %s", ErrInvariant, trade.UserID, tx.account.UserID)
	}
	tx.trades = append(tx.trades, *trade)
	tx.dirty = true
	return nil
}
