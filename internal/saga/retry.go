package saga

import (
	"context"
	"math/rand"
	"time"
)

// Config controls retry, backoff, and timeout behavior for the orchestrator.
// Zero values fall back to bounded defaults.
type Config struct {
	// MaxAttempts bounds transient retries per step before the failure is
	// reclassified as terminal.
	MaxAttempts int
	// ConflictRetries bounds immediate retries after a version conflict,
	// separately from transient retries.
	ConflictRetries int

	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration

	// StepTimeout applies per execute/compensate call; StepTimeouts overrides
	// it per step name.
	StepTimeout  time.Duration
	StepTimeouts map[string]time.Duration

	// Sleep and Jitter are injectable for tests.
	Sleep  func(context.Context, time.Duration) error
	Jitter func(time.Duration) time.Duration
}

const (
	defaultMaxAttempts     = 3
	defaultConflictRetries = 2
	defaultBackoffBase     = 100 * time.Millisecond
	defaultBackoffCap      = 5 * time.Second
	defaultStepTimeout     = 10 * time.Second
)

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ConflictRetries < 1 {
		c.ConflictRetries = defaultConflictRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.Sleep == nil {
		c.Sleep = SleepWithContext
	}
	if c.Jitter == nil {
		c.Jitter = defaultJitter
	}
	return c
}

// delay computes the backoff before the given retry. attempt is 1-based: the
// delay after the first failed attempt is BackoffBase.
func (c Config) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if time.Duration(d) >= c.BackoffCap {
			return c.Jitter(c.BackoffCap)
		}
	}
	if time.Duration(d) > c.BackoffCap {
		return c.Jitter(c.BackoffCap)
	}
	return c.Jitter(time.Duration(d))
}

// timeoutFor resolves the timeout for a named step.
func (c Config) timeoutFor(step string) time.Duration {
	if d, ok := c.StepTimeouts[step]; ok && d > 0 {
		return d
	}
	return c.StepTimeout
}

// SleepWithContext is the default backoff sleep: a timer bounded by the
// context. Exported so wiring code can decorate it (retry-wait accounting)
// while keeping the same cancellation behavior.
func SleepWithContext(ctx context.Context, d time.Duration) error {
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

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
