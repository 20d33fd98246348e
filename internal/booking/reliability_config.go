package booking

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GuardConfig tunes the limiter and breakers wrapped around the inventory and
// payment clients. All fields are optional: an unset pair leaves that guard
// off, so a dev setup runs unguarded by default.
type GuardConfig struct {
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadGuardConfigFromEnv reads guard settings from env.
func LoadGuardConfigFromEnv() (GuardConfig, error) {
	cfg := GuardConfig{}
	var err error

	if cfg.BreakerMaxFailures, err = parseOptionalInt("BOOKING_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseOptionalDuration("BOOKING_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseOptionalDuration("BOOKING_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseOptionalInt("BOOKING_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	}
	if (cfg.RateLimitInterval > 0) != (cfg.RateLimitBurst > 0) {
		return cfg, errors.New("BOOKING_RATE_LIMIT_INTERVAL and BOOKING_RATE_LIMIT_BURST must be set together")
	}

	return cfg, nil
}

func (c GuardConfig) breakerEnabled() bool {
	return c.BreakerMaxFailures > 0
}

func (c GuardConfig) limiterEnabled() bool {
	return c.RateLimitInterval > 0 && c.RateLimitBurst > 0
}

// Guard wraps the inventory and payment clients per config. Each client gets
// its own breaker so a payment outage does not block inventory, while the
// limiter is shared: it models the downstream vendors' combined call budget.
func Guard(inv InventoryClient, pay PaymentClient, cfg GuardConfig) (InventoryClient, PaymentClient) {
	if !cfg.breakerEnabled() && !cfg.limiterEnabled() {
		return inv, pay
	}

	var limiter *RateLimiter
	if cfg.limiterEnabled() {
		limiter = NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst)
	}

	newBreaker := func() *CircuitBreaker {
		if !cfg.breakerEnabled() {
			return nil
		}
		return NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
	}

	return NewGuardedInventoryClient(inv, limiter, newBreaker()),
		NewGuardedPaymentClient(pay, limiter, newBreaker())
}

func parseOptionalDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseOptionalInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
