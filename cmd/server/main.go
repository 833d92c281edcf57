package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/trade-engine/internal/config"
	"github.com/tradesim/trade-engine/internal/events"
	"github.com/tradesim/trade-engine/internal/fees"
	"github.com/tradesim/trade-engine/internal/logging"
	"github.com/tradesim/trade-engine/internal/metrics"
	"github.com/tradesim/trade-engine/internal/model"
	"github.com/tradesim/trade-engine/internal/pricing"
	"github.com/tradesim/trade-engine/internal/store"
	"github.com/tradesim/trade-engine/internal/trade"
)

const serviceName = "trade-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, serviceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				logger.Error("invalid REDIS_URL", "error", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.RedisCacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price resolution ---
	rates, err := pricing.NewRateCache(10_000, cfg.FXRateCacheTTL, time.Now)
	if err != nil {
		logger.Error("rate cache init failed", "error", err)
		os.Exit(1)
	}
	defer rates.Close()

	hc := &http.Client{Timeout: cfg.LiveFetchTimeout}
	adapters := make(map[model.AssetType]pricing.Adapter)
	if cfg.EquityFeedURL != "" {
		adapters[model.AssetStock] = pricing.NewEquityAdapter(cfg.EquityFeedURL, hc, st, logger)
	}
	if cfg.CryptoFeedURL != "" {
		adapters[model.AssetCrypto] = pricing.NewCryptoAdapter(cfg.CryptoFeedURL, cfg.ReportingCurrency, hc, st, logger)
	}
	if cfg.FXFeedURL != "" {
		adapters[model.AssetCurrency] = pricing.NewCurrencyAdapter(cfg.FXFeedURL, rates, hc, st, logger)
	}
	if len(adapters) == 0 {
		logger.Warn("no live price feeds configured, only stored prices are tradeable")
	}
	resolver := pricing.NewResolver(st, adapters, cfg.QuoteMaxAge, cfg.LiveFetchTimeout, logger,
		pricing.WithMetrics(metrics.Recorder{}))

	policies := fees.NewProvider(st, cfg.FeePolicyTTL, logger, fees.WithCacheMetrics(metrics.Recorder{}))

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)

	opts := []trade.Option{
		trade.WithRetries(cfg.TradeRetryMax),
		trade.WithStartingBalance(cfg.StartingBalance, cfg.ReportingCurrency),
		trade.OnCommit(wsHub.TradeCommitted),
		trade.OnPriceRecorded(wsHub.PriceRecorded),
	}

	// --- Trade events ---
	var publisher *events.Async
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewAsync(events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), 0, logger)
		opts = append(opts, trade.OnCommit(func(t model.Trade, bal decimal.Decimal) {
			publisher.Enqueue(events.NewTradeExecuted(t, bal))
		}))
		logger.Info("publishing trade events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Trade service ---
	exec := trade.NewExecutor(st, resolver, policies, logger, opts...)
	tradeSvc := trade.NewService(exec)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade and price updates.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Register(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("trade-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return policies.Run(gctx, cfg.FeePolicyTTL) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down trade-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("trade-engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("trade-engine stopped")
}
