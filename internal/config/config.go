// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Without DATABASE_URL the in-memory store is used.
	DatabaseURL   string        `env:"DATABASE_URL"`
	RedisURL      string        `env:"REDIS_URL"`
	RedisCacheTTL time.Duration `env:"REDIS_CACHE_TTL" envDefault:"30s"`

	QuoteMaxAge      time.Duration `env:"QUOTE_MAX_AGE" envDefault:"5m"`
	LiveFetchTimeout time.Duration `env:"LIVE_FETCH_TIMEOUT" envDefault:"3s"`
	FeePolicyTTL     time.Duration `env:"FEE_POLICY_TTL" envDefault:"5s"`
	FXRateCacheTTL   time.Duration `env:"FX_RATE_CACHE_TTL" envDefault:"60s"`

	EquityFeedURL string `env:"EQUITY_FEED_URL"`
	CryptoFeedURL string `env:"CRYPTO_FEED_URL"`
	FXFeedURL     string `env:"FX_FEED_URL"`

	ReportingCurrency string          `env:"REPORTING_CURRENCY" envDefault:"USD"`
	StartingBalance   decimal.Decimal `env:"STARTING_BALANCE" envDefault:"100000"`
	TradeRetryMax     uint            `env:"TRADE_RETRY_MAX" envDefault:"5"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"trades.executed"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.QuoteMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("QUOTE_MAX_AGE must be positive, got %s", c.QuoteMaxAge))
	}
	if c.LiveFetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LIVE_FETCH_TIMEOUT must be positive, got %s", c.LiveFetchTimeout))
	}
	if c.FXRateCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("FX_RATE_CACHE_TTL must not be negative, got %s", c.FXRateCacheTTL))
	} else if c.QuoteMaxAge > 0 && c.FXRateCacheTTL > c.QuoteMaxAge {
		// A cached rate older than QUOTE_MAX_AGE could back a quote that is
		// itself too old to trade.
		errs = append(errs, fmt.Errorf("FX_RATE_CACHE_TTL %s must not exceed QUOTE_MAX_AGE %s", c.FXRateCacheTTL, c.QuoteMaxAge))
	}
	if c.FeePolicyTTL < 0 {
		errs = append(errs, fmt.Errorf("FEE_POLICY_TTL must not be negative, got %s", c.FeePolicyTTL))
	}
	if c.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("STARTING_BALANCE must not be negative, got %s", c.StartingBalance))
	}
	if len(c.ReportingCurrency) != 3 {
		errs = append(errs, fmt.Errorf("REPORTING_CURRENCY must be an ISO code, got %q", c.ReportingCurrency))
	}
	if c.TradeRetryMax == 0 {
		errs = append(errs, errors.New("TRADE_RETRY_MAX must be at least 1"))
	}
	return errors.Join(errs...)
}
