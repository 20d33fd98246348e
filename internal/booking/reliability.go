package booking

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open. It classifies as
// transient, so the orchestrator's backoff doubles as the breaker's cool-off.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated failures. Retry scheduling lives
// in the orchestrator, so the breaker only answers "may this call go out".
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil {
		c.state = circuitClosed
		c.failures = 0
		return nil
	}

	// Business rejections are answers, not outages.
	if isBusinessOutcome(err) {
		return err
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

func isBusinessOutcome(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrNotCharged) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrAlreadyReleased) ||
		errors.Is(err, ErrAlreadyCancelled)
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		if ctx == nil {
			return nil
		}
		return ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	if r.rate <= 0 {
		r.tokens = r.burst
		r.last = now
		return
	}
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// GuardedPaymentClient wraps a PaymentClient with a rate limiter and circuit
// breaker. It deliberately does not retry; the orchestrator owns retry
// scheduling and would otherwise multiply attempts.
type GuardedPaymentClient struct {
	base    PaymentClient
	limiter *RateLimiter
	breaker *CircuitBreaker
}

// NewGuardedPaymentClient constructs a guarded payment client.
func NewGuardedPaymentClient(base PaymentClient, limiter *RateLimiter, breaker *CircuitBreaker) *GuardedPaymentClient {
	return &GuardedPaymentClient{base: base, limiter: limiter, breaker: breaker}
}

func (c *GuardedPaymentClient) Charge(ctx context.Context, key, customerID string, amount float64) (Charge, error) {
	var charge Charge
	err := c.do(ctx, func() error {
		var err error
		charge, err = c.base.Charge(ctx, key, customerID, amount)
		return err
	})
	return charge, err
}

func (c *GuardedPaymentClient) Refund(ctx context.Context, key string) error {
	return c.do(ctx, func() error {
		return c.base.Refund(ctx, key)
	})
}

func (c *GuardedPaymentClient) do(ctx context.Context, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.breaker != nil {
		return c.breaker.Execute(fn)
	}
	return fn()
}

// GuardedInventoryClient wraps an InventoryClient with a rate limiter and
// circuit breaker.
type GuardedInventoryClient struct {
	base    InventoryClient
	limiter *RateLimiter
	breaker *CircuitBreaker
}

// NewGuardedInventoryClient constructs a guarded inventory client.
func NewGuardedInventoryClient(base InventoryClient, limiter *RateLimiter, breaker *CircuitBreaker) *GuardedInventoryClient {
	return &GuardedInventoryClient{base: base, limiter: limiter, breaker: breaker}
}

func (c *GuardedInventoryClient) Reserve(ctx context.Context, key, itemID string, units int, version int64) (Reservation, error) {
	var res Reservation
	err := c.do(ctx, func() error {
		var err error
		res, err = c.base.Reserve(ctx, key, itemID, units, version)
		return err
	})
	return res, err
}

func (c *GuardedInventoryClient) Release(ctx context.Context, key, itemID string, units int) error {
	return c.do(ctx, func() error {
		return c.base.Release(ctx, key, itemID, units)
	})
}

func (c *GuardedInventoryClient) do(ctx context.Context, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.breaker != nil {
		return c.breaker.Execute(fn)
	}
	return fn()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
