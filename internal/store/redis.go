package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradesim/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only data with a single writer path is cached: accounts and holdings
// (invalidated after every committed unit of work), the latest price per
// symbol and the fee policy. Trade history is never cached.
//
// Every cached key has a generation counter that writers bump when they
// invalidate. A reader that missed the cache only fills it if the
// generation it saw before reading the primary is still current, so a slow
// reader can never put back a value that a concurrent write replaced.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(a.UserID))
	return nil
}

func (s *CachedStore) InsertPriceObservation(ctx context.Context, obs *model.PriceObservation) error {
	if err := s.primary.InsertPriceObservation(ctx, obs); err != nil {
		return err
	}
	// The new row may or may not be the latest; let the next read decide.
	s.invalidate(ctx, priceKeyFor(obs.AssetType, obs.Symbol))
	return nil
}

func (s *CachedStore) SaveFeePolicy(ctx context.Context, p model.FeePolicy) error {
	if err := s.primary.SaveFeePolicy(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, feePolicyKey)
	return nil
}

func (s *CachedStore) WithUserTx(ctx context.Context, userID string, fn func(tx UserTx) error) error {
	err := s.primary.WithUserTx(ctx, userID, fn)
	// An unknown commit may have applied, so invalidate on that path too.
	if err == nil || isCommitUnknown(err) {
		s.invalidate(ctx, accountKey(userID), holdingsKey(userID))
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.get(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	gen := s.generation(ctx, accountKey(userID))
	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, accountKey(userID), gen, acct)
	return acct, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	var holdings []model.Holding
	if s.get(ctx, holdingsKey(userID), &holdings) {
		return holdings, nil
	}

	gen := s.generation(ctx, holdingsKey(userID))
	holdings, err := s.primary.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, holdingsKey(userID), gen, holdings)
	return holdings, nil
}

func (s *CachedStore) LatestPrice(ctx context.Context, assetType model.AssetType, symbol string) (*model.PriceObservation, error) {
	var obs model.PriceObservation
	if s.get(ctx, priceKeyFor(assetType, symbol), &obs) {
		return &obs, nil
	}

	gen := s.generation(ctx, priceKeyFor(assetType, symbol))
	latest, err := s.primary.LatestPrice(ctx, assetType, symbol)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, priceKeyFor(assetType, symbol), gen, latest)
	return latest, nil
}

func (s *CachedStore) GetFeePolicy(ctx context.Context) (*model.FeePolicy, error) {
	var p model.FeePolicy
	if s.get(ctx, feePolicyKey, &p) {
		return &p, nil
	}

	gen := s.generation(ctx, feePolicyKey)
	policy, err := s.primary.GetFeePolicy(ctx)
	if err != nil || policy == nil {
		return policy, err
	}
	s.fill(ctx, feePolicyKey, gen, policy)
	return policy, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetHolding(ctx context.Context, key model.HoldingKey) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, key)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation returns the current generation of key, or nil when Redis
// could not answer and the result must not be cached.
func (s *CachedStore) generation(ctx context.Context, key string) *string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err == redis.Nil {
		gen = ""
	} else if err != nil {
		return nil
	}
	return &gen
}

// fill caches v under key unless key was invalidated after gen was read.
func (s *CachedStore) fill(ctx context.Context, key string, gen *string, v any) {
	if gen == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fillScript.Run(ctx, s.rdb, []string{key, genKey(key)}, data, *gen, s.ttl.Milliseconds())
}

// invalidate drops the cached values and bumps their generations. It runs
// after the primary write, so any read that started before the write sees a
// changed generation when it tries to fill.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, genKey(key))
			pipe.Expire(ctx, genKey(key), generationTTL)
			pipe.Del(ctx, key)
		}
		return nil
	})
}

var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '') ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// generationTTL bounds how long an idle generation counter lingers. It only
// has to outlive a single primary read.
const generationTTL = 24 * time.Hour

const feePolicyKey = "fee_policy"

// genKey hash-tags the data key so both land in the same cluster slot.
func genKey(key string) string { return "gen:{" + key + "}" }

func accountKey(uid string) string  { return fmt.Sprintf("account:%s", uid) }
func holdingsKey(uid string) string { return fmt.Sprintf("holdings:%s", uid) }
func priceKeyFor(t model.AssetType, sym string) string {
	return fmt.Sprintf("price:%s:%s", t, sym)
}
