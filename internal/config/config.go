package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the single explicit configuration struct for the process,
// constructed once at start and passed into the processor and accrual
// service. All values come from COREBANK_* environment variables.
type Config struct {
	ListenAddr string
	PGDSN      string // empty: in-memory stores
	RedisURL   string // empty: idempotency kept alongside the account store

	IdempotencyTTL time.Duration

	// Optimistic-concurrency retry policy.
	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	// Interest accrual.
	AccrualExpenseAccount string
	AccrualPeriodFraction decimal.Decimal
	AccrualInterval       time.Duration
	AccrualRatePerSecond  int

	// Ops HTTP surface.
	RateBurst       int
	RatePerSecond   int
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:            getEnv("COREBANK_LISTEN_ADDR", ":8080"),
		PGDSN:                 os.Getenv("COREBANK_PG_DSN"),
		RedisURL:              os.Getenv("COREBANK_REDIS_URL"),
		IdempotencyTTL:        24 * time.Hour,
		RetryMaxAttempts:      5,
		RetryBaseBackoff:      10 * time.Millisecond,
		RetryMaxBackoff:       500 * time.Millisecond,
		AccrualExpenseAccount: os.Getenv("COREBANK_ACCRUAL_EXPENSE_ACCOUNT"),
		AccrualPeriodFraction: decimal.New(1, 0).Div(decimal.New(365, 0)),
		AccrualInterval:       24 * time.Hour,
		AccrualRatePerSecond:  100,
		RateBurst:             50,
		RatePerSecond:         25,
		ShutdownTimeout:       10 * time.Second,
	}

	var err error
	if cfg.IdempotencyTTL, err = durationEnv("COREBANK_IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxAttempts, err = intEnv("COREBANK_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseBackoff, err = durationEnv("COREBANK_RETRY_BASE_BACKOFF", cfg.RetryBaseBackoff); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxBackoff, err = durationEnv("COREBANK_RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff); err != nil {
		return Config{}, err
	}
	if cfg.AccrualInterval, err = durationEnv("COREBANK_ACCRUAL_INTERVAL", cfg.AccrualInterval); err != nil {
		return Config{}, err
	}
	if cfg.AccrualRatePerSecond, err = intEnv("COREBANK_ACCRUAL_RATE_PER_SECOND", cfg.AccrualRatePerSecond); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = intEnv("COREBANK_RATE_BURST", cfg.RateBurst); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSecond, err = intEnv("COREBANK_RATE_PER_SECOND", cfg.RatePerSecond); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("COREBANK_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("COREBANK_ACCRUAL_PERIOD_FRACTION"); v != "" {
		frac, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COREBANK_ACCRUAL_PERIOD_FRACTION: %w", err)
		}
		cfg.AccrualPeriodFraction = frac
	}

	if cfg.RetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("COREBANK_RETRY_MAX_ATTEMPTS must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
