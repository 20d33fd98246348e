package saga

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically re-advances sagas that stopped making progress, which
// is how a crashed process's in-flight work gets resumed. Sagas updated more
// recently than ResumeAfter are skipped so live workers are not raced
// needlessly; the idempotency store makes the race harmless either way.
type Sweeper struct {
	store    StateStore
	orch     *Orchestrator
	interval time.Duration
	resume   time.Duration
	limit    int
	purge    func(context.Context) error
	logf     func(format string, args ...any)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval    time.Duration
	ResumeAfter time.Duration
	Limit       int
	// Purge, when set, runs once per sweep (idempotency retention cleanup).
	Purge func(context.Context) error
	Logf  func(format string, args ...any)
}

// NewSweeper constructs a Sweeper over the orchestrator's state store.
func NewSweeper(store StateStore, orch *Orchestrator, cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	resume := cfg.ResumeAfter
	if resume <= 0 {
		resume = 30 * time.Second
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Sweeper{
		store:    store,
		orch:     orch,
		interval: interval,
		resume:   resume,
		limit:    limit,
		purge:    cfg.Purge,
		logf:     logf,
	}
}

// Run sweeps until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	stalled, err := s.store.ListActive(ctx, s.resume, s.limit)
	if err != nil {
		s.logf("sweep: list active sagas: %v", err)
		return
	}
	for _, inst := range stalled {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.orch.Advance(ctx, inst.ID); err != nil {
			s.logf("sweep: advance saga %s: %v", inst.ID, err)
		}
	}
	if s.purge != nil {
		if err := s.purge(ctx); err != nil {
			s.logf("sweep: purge idempotency records: %v", err)
		}
	}
}
