package trade_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/tradesim/trade-engine/internal/fees"
	"github.com/tradesim/trade-engine/internal/metrics"
	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/pricing"
	"github.com/tradesim/trade-engine/internal/store"
	"github.com/tradesim/trade-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// fakeQuoter serves configured quotes or a configured error.
type fakeQuoter struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func newFakeQuoter() *fakeQuoter {
	return &fakeQuoter{prices: make(map[string]decimal.Decimal)}
}

func (q *fakeQuoter) set(sym, price string) {
	q.mu.Lock()
	q.prices[sym] = d(price)
	q.mu.Unlock()
}

func (q *fakeQuoter) fail(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *fakeQuoter) Resolve(_ context.Context, assetType model.AssetType, sym string) (model.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return model.Quote{}, q.err
	}
	p, ok := q.prices[sym]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s/%s", pricing.ErrPriceUnavailable, assetType, sym)
	}
	return model.Quote{AssetType: assetType, Symbol: sym, Price: p, Timestamp: testNow, Source: model.SourceStore}, nil
}

type testEnv struct {
	exec   *trade.Executor
	store  *store.MemoryStore
	quoter *fakeQuoter
}

func newEnv(st store.Store, ms *store.MemoryStore, opts ...trade.Option) *testEnv {
	q := newFakeQuoter()
	provider := fees.NewProvider(ms, time.Minute, nil)
	opts = append([]trade.Option{trade.WithClock(fixedClock)}, opts...)
	return &testEnv{
		exec:   trade.NewExecutor(st, q, provider, nil, opts...),
		store:  ms,
		quoter: q,
	}
}

func newTestExecutor(t *testing.T, opts ...trade.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return newEnv(ms, ms, opts...)
}

func (e *testEnv) openAccount(t *testing.T, userID, balance string) {
	t.Helper()
	b := d(balance)
	if _, err := e.exec.CreateAccount(context.Background(), userID, &b); err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	acct, err := e.store.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acct.Balance
}

func (e *testEnv) holding(t *testing.T, userID, sym string) *model.Holding {
	t.Helper()
	h, err := e.store.GetHolding(context.Background(), model.HoldingKey{UserID: userID, AssetType: model.AssetStock, Symbol: sym})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("get holding: %v", err)
	}
	return h
}

func rejection(t *testing.T, err error) *trade.RejectionError {
	t.Helper()
	var rej *trade.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectionError, got %T: %v", err, err)
	}
	return rej
}

// --- Buy ---

func TestBuy_DebitsTotalCost(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	env.quoter.set("AAPL", "100")

	res, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "aapl", d("10"))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if res.State != trade.StateCommitted {
		t.Errorf("expected state committed, got %s", res.State)
	}

	if !res.Trade.TradeAmount.Equal(d("1000")) {
		t.Errorf("expected trade amount 1000, got %s", res.Trade.TradeAmount)
	}
	if !res.Fees.PlatformFee.Equal(d("10")) || !res.Fees.TaxAmount.Equal(d("1")) {
		t.Errorf("expected fees 10 + 1, got %s + %s", res.Fees.PlatformFee, res.Fees.TaxAmount)
	}
	if !res.Trade.TotalCost.Equal(d("1011")) {
		t.Errorf("expected total cost 1011, got %s", res.Trade.TotalCost)
	}
	if !res.NewBalance.Equal(d("98989")) {
		t.Errorf("expected new balance 98989, got %s", res.NewBalance)
	}
	if got := env.balance(t, "user1"); !got.Equal(d("98989")) {
		t.Errorf("stored balance: expected 98989, got %s", got)
	}

	h := env.holding(t, "user1", "AAPL")
	if h == nil {
		t.Fatal("expected AAPL holding")
	}
	if !h.Quantity.Equal(d("10")) || !h.AvgBuyPrice.Equal(d("100")) || !h.AvgCostBasis.Equal(d("101.1")) {
		t.Errorf("unexpected holding: qty=%s avg=%s basis=%s", h.Quantity, h.AvgBuyPrice, h.AvgCostBasis)
	}
	if res.Trade.Symbol != "AAPL" || res.Trade.PriceSource != model.SourceStore {
		t.Errorf("unexpected trade record: %+v", res.Trade)
	}
}

func TestBuy_WeightedAverageCostBasis(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()

	env.quoter.set("AAPL", "100")
	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10")); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	env.quoter.set("AAPL", "200")
	res, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10"))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	// (1011 + 2012) / 20
	if !res.Holding.AvgCostBasis.Equal(d("151.15")) {
		t.Errorf("expected cost basis 151.15, got %s", res.Holding.AvgCostBasis)
	}
	if !res.Holding.AvgBuyPrice.Equal(d("150")) {
		t.Errorf("expected avg buy price 150, got %s", res.Holding.AvgBuyPrice)
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "500")
	env.quoter.set("AAPL", "100")

	_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("10"))
	if !errors.Is(err, trade.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	rej := rejection(t, err)
	if rej.Stage != trade.StateFeeComputed {
		t.Errorf("expected stage fee_computed, got %s", rej.Stage)
	}
	if rej.Fees == nil || !rej.Fees.TotalCost.Equal(d("1011")) {
		t.Errorf("expected attempted total cost 1011, got %+v", rej.Fees)
	}
	if got := env.balance(t, "user1"); !got.Equal(d("500")) {
		t.Errorf("balance changed to %s", got)
	}
	if env.holding(t, "user1", "AAPL") != nil {
		t.Error("holding created by rejected buy")
	}
}

func TestBuy_ExactBalanceAllowed(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "1011")
	env.quoter.set("AAPL", "100")

	res, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("10"))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !res.NewBalance.IsZero() {
		t.Errorf("expected zero balance, got %s", res.NewBalance)
	}
}

func TestBuy_Validation(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "1000")
	env.quoter.set("AAPL", "100")

	tests := []struct {
		name      string
		user      string
		assetType model.AssetType
		sym       string
		qty       string
	}{
		{"empty user", "", model.AssetStock, "AAPL", "1"},
		{"zero quantity", "user1", model.AssetStock, "AAPL", "0"},
		{"negative quantity", "user1", model.AssetStock, "AAPL", "-1"},
		{"unknown asset type", "user1", "bond", "AAPL", "1"},
		{"malformed symbol", "user1", model.AssetStock, "AA PL!", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.exec.Buy(context.Background(), tt.user, tt.assetType, tt.sym, d(tt.qty))
			if !errors.Is(err, trade.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestBuy_UnknownAccount(t *testing.T) {
	env := newTestExecutor(t)
	env.quoter.set("AAPL", "100")

	_, err := env.exec.Buy(context.Background(), "ghost", model.AssetStock, "AAPL", d("1"))
	if !errors.Is(err, trade.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestBuy_PriceErrors(t *testing.T) {
	tests := []struct {
		name    string
		quoteEr error
		want    error
	}{
		{"unavailable", pricing.ErrPriceUnavailable, trade.ErrPriceUnavailable},
		{"stale", fmt.Errorf("%w: quote is 6m old", pricing.ErrStaleData), trade.ErrStaleData},
		{"cancelled", context.Canceled, trade.ErrPriceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestExecutor(t)
			env.openAccount(t, "user1", "1000")
			env.quoter.fail(tt.quoteEr)

			_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := env.balance(t, "user1"); !got.Equal(d("1000")) {
				t.Errorf("balance changed to %s", got)
			}
		})
	}
}

// --- Sell ---

func TestSell_CreditsNetAmount(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()
	env.quoter.set("AAPL", "100")

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("4"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.State != trade.StateCommitted {
		t.Errorf("expected state committed, got %s", res.State)
	}

	// 400 - 10 - 0.4
	if !res.Trade.NetAmount.Equal(d("389.6")) {
		t.Errorf("expected net amount 389.6, got %s", res.Trade.NetAmount)
	}
	if !res.NewBalance.Equal(d("98989").Add(d("389.6"))) {
		t.Errorf("expected balance 99378.6, got %s", res.NewBalance)
	}
	if !res.RemainingQuantity.Equal(d("6")) {
		t.Errorf("expected 6 remaining, got %s", res.RemainingQuantity)
	}
	// 389.6 - 101.1*4
	if !res.ProfitLoss.Equal(d("-14.8")) {
		t.Errorf("expected P&L -14.8, got %s", res.ProfitLoss)
	}

	h := env.holding(t, "user1", "AAPL")
	if h == nil || !h.AvgCostBasis.Equal(d("101.1")) {
		t.Errorf("partial sell must keep cost basis, got %+v", h)
	}
}

func TestSell_SmallTradeScenario(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "1000")
	ctx := context.Background()
	env.quoter.set("AAPL", "50")

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("1")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("1"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Fees.TotalFees.Equal(d("10.05")) {
		t.Errorf("expected fees 10.05, got %s", res.Fees.TotalFees)
	}
	if !res.Trade.NetAmount.Equal(d("39.95")) {
		t.Errorf("expected net 39.95, got %s", res.Trade.NetAmount)
	}
}

func TestSell_EntirePositionDeletesHolding(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()
	env.quoter.set("AAPL", "100")

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("3")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("3"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.RemainingQuantity.IsZero() {
		t.Errorf("expected nothing remaining, got %s", res.RemainingQuantity)
	}
	if env.holding(t, "user1", "AAPL") != nil {
		t.Error("expected holding to be deleted")
	}
}

func TestSell_MoreThanHeldLeavesStateUnchanged(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()
	env.quoter.set("AAPL", "100")

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("3")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	balanceBefore := env.balance(t, "user1")
	holdingBefore := env.holding(t, "user1", "AAPL")

	_, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("5"))
	if !errors.Is(err, trade.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	if got := env.balance(t, "user1"); !got.Equal(balanceBefore) {
		t.Errorf("balance changed: %s -> %s", balanceBefore, got)
	}
	h := env.holding(t, "user1", "AAPL")
	if h == nil || !h.Quantity.Equal(holdingBefore.Quantity) || !h.AvgCostBasis.Equal(holdingBefore.AvgCostBasis) {
		t.Errorf("holding changed: %+v -> %+v", holdingBefore, h)
	}
	trades, _ := env.store.ListTrades(ctx, store.TradeFilter{UserID: "user1"})
	if len(trades) != 1 {
		t.Errorf("expected only the buy in the ledger, got %d trades", len(trades))
	}
}

func TestSell_NoPosition(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "1000")
	env.quoter.set("AAPL", "100")

	_, err := env.exec.Sell(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
	if !errors.Is(err, trade.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	if rejection(t, err).Stage != trade.StateValidated {
		t.Errorf("expected rejection before quoting")
	}
}

func TestSell_FeesExceedProceeds(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "1000")
	ctx := context.Background()
	env.quoter.set("AAPL", "5")

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("1")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	balanceBefore := env.balance(t, "user1")

	_, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("1"))
	if !errors.Is(err, trade.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	rej := rejection(t, err)
	if rej.Fees == nil || !rej.Fees.Fees.TotalFees.Equal(d("10.005")) {
		t.Errorf("expected attempted fees 10.005, got %+v", rej.Fees)
	}
	if got := env.balance(t, "user1"); !got.Equal(balanceBefore) {
		t.Errorf("balance changed: %s -> %s", balanceBefore, got)
	}
}

func TestBuyThenSell_LosesBothFees(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()
	env.quoter.set("AAPL", "100")

	buy, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := env.exec.Sell(ctx, "user1", model.AssetStock, "AAPL", d("10"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	want := d("100000").Sub(buy.Fees.TotalFees).Sub(sell.Fees.TotalFees)
	if !sell.NewBalance.Equal(want) || !want.Equal(d("99978")) {
		t.Errorf("expected balance 99978, got %s", sell.NewBalance)
	}
	if !sell.ProfitLoss.Equal(d("-22")) {
		t.Errorf("expected P&L -22, got %s", sell.ProfitLoss)
	}
}

// --- Properties ---

func TestBalanceConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ms := store.NewMemoryStore()
		env := newEnv(ms, ms)
		ctx := context.Background()
		start := d("10000000")
		if _, err := env.exec.CreateAccount(ctx, "prop", &start); err != nil {
			rt.Fatalf("create account: %v", err)
		}

		price := decimal.NewFromInt(int64(rapid.IntRange(20, 5000).Draw(rt, "price")))
		qty := decimal.NewFromInt(int64(rapid.IntRange(1, 500).Draw(rt, "qty")))
		env.quoter.prices["TSLA"] = price

		buy, err := env.exec.Buy(ctx, "prop", model.AssetStock, "TSLA", qty)
		if err != nil {
			rt.Fatalf("buy: %v", err)
		}
		if !buy.NewBalance.Equal(start.Sub(buy.Trade.TotalCost)) {
			rt.Fatalf("buy: balance %s != %s - %s", buy.NewBalance, start, buy.Trade.TotalCost)
		}
		if !buy.Trade.TotalCost.Equal(buy.Trade.TradeAmount.Add(buy.Fees.PlatformFee).Add(buy.Fees.TaxAmount)) {
			rt.Fatalf("buy: total cost %s does not add up", buy.Trade.TotalCost)
		}

		sell, err := env.exec.Sell(ctx, "prop", model.AssetStock, "TSLA", qty)
		if err != nil {
			rt.Fatalf("sell: %v", err)
		}
		if !sell.NewBalance.Equal(buy.NewBalance.Add(sell.Trade.NetAmount)) {
			rt.Fatalf("sell: balance %s != %s + %s", sell.NewBalance, buy.NewBalance, sell.Trade.NetAmount)
		}
		if !sell.Trade.NetAmount.Equal(sell.Trade.TradeAmount.Sub(sell.Fees.PlatformFee).Sub(sell.Fees.TaxAmount)) {
			rt.Fatalf("sell: net amount %s does not add up", sell.Trade.NetAmount)
		}
		if !sell.NewBalance.Equal(start.Sub(buy.Fees.TotalFees.Mul(decimal.NewFromInt(2)))) {
			rt.Fatalf("round trip: balance %s, fees %s", sell.NewBalance, buy.Fees.TotalFees)
		}
	})
}

func TestConcurrentBuys_NoLostUpdates(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	env.quoter.set("AAPL", "100")

	const n = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1")); err != nil {
				failures.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if f := failures.Load(); f != 0 {
		t.Fatalf("%d buys failed", f)
	}
	h := env.holding(t, "user1", "AAPL")
	if h == nil || !h.Quantity.Equal(decimal.NewFromInt(n)) {
		t.Fatalf("expected %d units held, got %+v", n, h)
	}
	// Each buy costs 100 + 10 + 0.1.
	want := d("100000").Sub(d("110.1").Mul(decimal.NewFromInt(n)))
	if got := env.balance(t, "user1"); !got.Equal(want) {
		t.Errorf("expected balance %s, got %s", want, got)
	}
}

func TestTradeTimestampsStrictlyIncrease(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	ctx := context.Background()
	env.quoter.set("AAPL", "100")

	var last time.Time
	for i := 0; i < 3; i++ {
		res, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("1"))
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
		if !res.Trade.Timestamp.After(last) {
			t.Fatalf("trade %d timestamp %s not after %s", i, res.Trade.Timestamp, last)
		}
		last = res.Trade.Timestamp
	}
	if want := testNow.Add(2 * time.Microsecond); !last.Equal(want) {
		t.Errorf("expected last timestamp %s, got %s", want, last)
	}
}

// --- Atomicity ---

// faultyStore fails units of work with a chosen error after fn has staged
// its writes.
type faultyStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	failures  int // remaining failures; negative fails forever
	err       error
	attempted int
}

func (s *faultyStore) WithUserTx(ctx context.Context, userID string, fn func(tx store.UserTx) error) error {
	return s.MemoryStore.WithUserTx(ctx, userID, func(tx store.UserTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.attempted++
		if s.failures == 0 {
			return nil
		}
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	})
}

func newFaultyEnv(t *testing.T, failures int, err error, opts ...trade.Option) (*testEnv, *faultyStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	fs := &faultyStore{MemoryStore: ms, failures: failures, err: err}
	env := newEnv(fs, ms, opts...)
	env.openAccount(t, "user1", "10000")
	env.quoter.set("AAPL", "100")
	return env, fs
}

func TestBuy_FailedUnitOfWorkAppliesNothing(t *testing.T) {
	env, _ := newFaultyEnv(t, -1, errors.New("disk full"))

	_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("10"))
	if !errors.Is(err, trade.ErrTradeExecutionFailed) {
		t.Fatalf("expected ErrTradeExecutionFailed, got %v", err)
	}
	if stage := rejection(t, err).Stage; stage != trade.StateApplied {
		t.Errorf("expected stage applied, got %s", stage)
	}
	if got := env.balance(t, "user1"); !got.Equal(d("10000")) {
		t.Errorf("balance changed to %s", got)
	}
	if env.holding(t, "user1", "AAPL") != nil {
		t.Error("holding written by failed unit")
	}
	trades, _ := env.store.ListTrades(context.Background(), store.TradeFilter{UserID: "user1"})
	if len(trades) != 0 {
		t.Errorf("expected empty ledger, got %d trades", len(trades))
	}
}

func TestBuy_RetriesConflicts(t *testing.T) {
	env, fs := newFaultyEnv(t, 2, store.ErrConflict, trade.WithRetries(3))

	before := testutil.ToFloat64(metrics.ExecutionRetries)
	res, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if fs.attempted != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.attempted)
	}
	if got := testutil.ToFloat64(metrics.ExecutionRetries) - before; got != 2 {
		t.Errorf("expected 2 retries recorded, got %v", got)
	}
	if !res.NewBalance.Equal(d("9889.9")) {
		t.Errorf("expected balance 9889.9, got %s", res.NewBalance)
	}
}

func TestBuy_PersistentConflict(t *testing.T) {
	env, fs := newFaultyEnv(t, -1, store.ErrConflict, trade.WithRetries(2))

	_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
	if !errors.Is(err, trade.ErrPersistenceConflict) {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
	if fs.attempted != 2 {
		t.Errorf("expected 2 attempts, got %d", fs.attempted)
	}
	if trade.HTTPStatus(err) != 409 {
		t.Errorf("expected 409, got %d", trade.HTTPStatus(err))
	}
}

func TestBuy_UnknownCommitFlagsReconciliation(t *testing.T) {
	env, fs := newFaultyEnv(t, -1, store.ErrCommitUnknown)

	before := testutil.ToFloat64(metrics.ReconciliationEvents)
	_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
	if !errors.Is(err, trade.ErrTradeExecutionFailed) {
		t.Fatalf("expected ErrTradeExecutionFailed, got %v", err)
	}
	if fs.attempted != 1 {
		t.Errorf("unknown commits must not be retried, got %d attempts", fs.attempted)
	}
	if got := testutil.ToFloat64(metrics.ReconciliationEvents) - before; got != 1 {
		t.Errorf("expected 1 reconciliation event, got %v", got)
	}
}

// failingLedgerStore fails the trade insert, after the balance check and
// the holding write have run.
type failingLedgerStore struct {
	*store.MemoryStore
}

type failingLedgerTx struct {
	store.UserTx
}

func (failingLedgerTx) InsertTrade(context.Context, *model.Trade) error {
	return errors.New("ledger unavailable")
}

func (s failingLedgerStore) WithUserTx(ctx context.Context, userID string, fn func(tx store.UserTx) error) error {
	return s.MemoryStore.WithUserTx(ctx, userID, func(tx store.UserTx) error {
		return fn(failingLedgerTx{tx})
	})
}

func TestBuy_WriteFailureAfterBalanceCheck(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newEnv(failingLedgerStore{ms}, ms)
	env.openAccount(t, "user1", "10000")
	env.quoter.set("AAPL", "100")

	_, err := env.exec.Buy(context.Background(), "user1", model.AssetStock, "AAPL", d("1"))
	rej := rejection(t, err)
	if !errors.Is(err, trade.ErrTradeExecutionFailed) {
		t.Fatalf("expected ErrTradeExecutionFailed, got %v", err)
	}
	if rej.Stage != trade.StateBalanceChecked {
		t.Errorf("expected stage balance_checked, got %s", rej.Stage)
	}
	if got := env.balance(t, "user1"); !got.Equal(d("10000")) {
		t.Errorf("balance changed to %s", got)
	}
	if env.holding(t, "user1", "AAPL") != nil {
		t.Error("holding written by failed unit")
	}
}

// --- Hooks, previews, policy ---

func TestCommitHooksSeeCommittedTrades(t *testing.T) {
	var mu sync.Mutex
	var seen []model.Trade
	env := newTestExecutor(t, trade.OnCommit(func(tr model.Trade, _ decimal.Decimal) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	}))
	env.openAccount(t, "user1", "500")
	env.quoter.set("AAPL", "100")
	ctx := context.Background()

	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("1")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10")); err == nil {
		t.Fatal("expected rejection")
	}

	if len(seen) != 1 || seen[0].Side != model.SideBuy {
		t.Errorf("expected exactly one committed buy, got %+v", seen)
	}
}

func TestPreviewFees(t *testing.T) {
	env := newTestExecutor(t)
	env.quoter.set("AAPL", "100")
	ctx := context.Background()

	buy, err := env.exec.PreviewFees(ctx, model.AssetStock, "AAPL", d("10"), model.SideBuy)
	if err != nil {
		t.Fatalf("preview buy: %v", err)
	}
	if buy.TotalCost == nil || !buy.TotalCost.Equal(d("1011")) || buy.NetAmount != nil {
		t.Errorf("unexpected buy preview: %+v", buy)
	}

	sell, err := env.exec.PreviewFees(ctx, model.AssetStock, "AAPL", d("10"), model.SideSell)
	if err != nil {
		t.Fatalf("preview sell: %v", err)
	}
	if sell.NetAmount == nil || !sell.NetAmount.Equal(d("989")) || sell.TotalCost != nil {
		t.Errorf("unexpected sell preview: %+v", sell)
	}
}

func TestUpdateFeePolicyAppliesToNextTrade(t *testing.T) {
	env := newTestExecutor(t)
	env.openAccount(t, "user1", "100000")
	env.quoter.set("AAPL", "100")
	ctx := context.Background()

	zero := decimal.Zero
	if _, err := env.exec.UpdateFeePolicy(ctx, fees.PolicyUpdate{TaxPct: &zero, MinFee: &zero}); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	res, err := env.exec.Buy(ctx, "user1", model.AssetStock, "AAPL", d("10"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// 0.5% of 1000, no tax, no minimum.
	if !res.Fees.TotalFees.Equal(d("5")) {
		t.Errorf("expected fees 5, got %s", res.Fees.TotalFees)
	}

	bad := d("50")
	if _, err := env.exec.UpdateFeePolicy(ctx, fees.PolicyUpdate{PlatformFeePct: &bad}); !errors.Is(err, trade.ErrValidation) {
		t.Errorf("expected ErrValidation for out-of-range pct, got %v", err)
	}
}

// --- Resolver integration ---

func TestBuy_UsesStoredPriceThroughResolver(t *testing.T) {
	ms := store.NewMemoryStore()
	resolver := pricing.NewResolver(ms, nil, 5*time.Minute, time.Second, nil, pricing.WithClock(fixedClock))
	exec := trade.NewExecutor(ms, resolver, fees.NewProvider(ms, time.Minute, nil), nil, trade.WithClock(fixedClock))
	ctx := context.Background()

	bal := d("10000")
	if _, err := exec.CreateAccount(ctx, "user1", &bal); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := exec.RecordPrice(ctx, model.PriceObservation{
		AssetType:  model.AssetStock,
		Symbol:     "msft",
		Price:      d("400"),
		ObservedAt: testNow.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("record price: %v", err)
	}

	res, err := exec.Buy(ctx, "user1", model.AssetStock, "MSFT", d("2"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Trade.PriceSource != model.SourceStore || !res.Trade.Price.Equal(d("400")) {
		t.Errorf("expected stored price 400, got %s from %s", res.Trade.Price, res.Trade.PriceSource)
	}
}

func TestBuy_StalePriceWithoutLiveSourceRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	resolver := pricing.NewResolver(ms, nil, 5*time.Minute, time.Second, nil, pricing.WithClock(fixedClock))
	exec := trade.NewExecutor(ms, resolver, fees.NewProvider(ms, time.Minute, nil), nil, trade.WithClock(fixedClock))
	ctx := context.Background()

	bal := d("10000")
	if _, err := exec.CreateAccount(ctx, "user1", &bal); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := exec.RecordPrice(ctx, model.PriceObservation{
		AssetType:  model.AssetStock,
		Symbol:     "MSFT",
		Price:      d("400"),
		ObservedAt: testNow.Add(-6 * time.Minute),
	}); err != nil {
		t.Fatalf("record price: %v", err)
	}

	_, err := exec.Buy(ctx, "user1", model.AssetStock, "MSFT", d("1"))
	if !errors.Is(err, trade.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := exec.GetAssetPrice(ctx, model.AssetStock, "MSFT"); !errors.Is(err, trade.ErrPriceUnavailable) {
		t.Errorf("GetAssetPrice: expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRecordPrice_Validation(t *testing.T) {
	env := newTestExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		obs  model.PriceObservation
	}{
		{"zero price", model.PriceObservation{AssetType: model.AssetStock, Symbol: "AAPL"}},
		{"future", model.PriceObservation{AssetType: model.AssetStock, Symbol: "AAPL", Price: d("1"), ObservedAt: testNow.Add(time.Hour)}},
		{"bad asset", model.PriceObservation{AssetType: "bond", Symbol: "AAPL", Price: d("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.exec.RecordPrice(ctx, tt.obs); !errors.Is(err, trade.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateAccount(t *testing.T) {
	env := newTestExecutor(t)
	ctx := context.Background()

	acct, err := env.exec.CreateAccount(ctx, "", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acct.UserID == "" {
		t.Error("expected generated user id")
	}
	if !acct.Balance.Equal(d("100000")) || acct.Currency != "USD" {
		t.Errorf("expected default 100000 USD, got %s %s", acct.Balance, acct.Currency)
	}

	if _, err := env.exec.CreateAccount(ctx, acct.UserID, nil); !errors.Is(err, trade.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
	neg := d("-1")
	if _, err := env.exec.CreateAccount(ctx, "other", &neg); !errors.Is(err, trade.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestListTrades_SymbolNeedsAssetType(t *testing.T) {
	env := newTestExecutor(t)
	if _, err := env.exec.ListTrades(context.Background(), "user1", "", "AAPL", 0); !errors.Is(err, trade.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
