// Package observability tracks saga and step level counters and exposes them
// as a JSON snapshot endpoint.
package observability

import (
	"sync"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

type StepSnapshot struct {
	Executions    int64   `json:"executions"`
	Failures      int64   `json:"failures"`
	Retries       int64   `json:"retries"`
	Compensations int64   `json:"compensations"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec    int64                   `json:"uptime_sec"`
	SagasStarted int64                   `json:"sagas_started"`
	SagasActive  int64                   `json:"sagas_active"`
	Outcomes     map[string]int64        `json:"outcomes"`
	RetryWaits   int64                   `json:"retry_waits"`
	RetryWaitMs  int64                   `json:"retry_wait_ms"`
	Lifecycle    *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Steps        map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	executions    int64
	failures      int64
	retries       int64
	compensations int64
	inFlight      int64
	totalLatency  time.Duration
	maxLatency    time.Duration
	lastLatency   time.Duration
}

type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	steps        map[string]*stepStats
	sagasStarted int64
	sagasActive  int64
	outcomes     map[saga.Status]int64
	retryWaits   int64
	retryWait    time.Duration
	lifecycle    lifecycleStats
}

// StepSpan times one step execution attempt.
type StepSpan struct {
	metrics *Metrics
	step    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		steps:    make(map[string]*stepStats),
		outcomes: make(map[saga.Status]int64),
	}
}

// SagaStarted counts a new saga.
func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagasStarted++
	m.sagasActive++
	m.mu.Unlock()
}

// SagaFinished counts a terminal outcome.
func (m *Metrics) SagaFinished(status saga.Status) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[status]++
	if m.sagasActive > 0 {
		m.sagasActive--
	}
	m.mu.Unlock()
}

// StartStep opens a span for one step execution attempt.
func (m *Metrics) StartStep(step string) *StepSpan {
	if m == nil {
		return &StepSpan{}
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight++
	m.mu.Unlock()
	return &StepSpan{
		metrics: m,
		step:    step,
		start:   time.Now(),
	}
}

func (s *StepSpan) End(failed bool) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.step, dur, failed)
}

// StepRetried counts a scheduled retry of the step.
func (m *Metrics) StepRetried(step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureStep(step).retries++
	m.mu.Unlock()
}

// StepCompensated counts a finished compensation of the step.
func (m *Metrics) StepCompensated(step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureStep(step).compensations++
	m.mu.Unlock()
}

// AddRetryWait accumulates time spent in backoff sleeps.
func (m *Metrics) AddRetryWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.retryWaits++
	m.retryWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:    int64(now.Sub(m.start).Seconds()),
		SagasStarted: m.sagasStarted,
		SagasActive:  m.sagasActive,
		Outcomes:     make(map[string]int64),
		Steps:        make(map[string]StepSnapshot),
		RetryWaits:   m.retryWaits,
		RetryWaitMs:  int64(m.retryWait / time.Millisecond),
	}

	for status, count := range m.outcomes {
		snap.Outcomes[string(status)] = count
	}

	for step, stats := range m.steps {
		avg := 0.0
		if stats.executions > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.executions)
		}
		snap.Steps[step] = StepSnapshot{
			Executions:    stats.executions,
			Failures:      stats.failures,
			Retries:       stats.retries,
			Compensations: stats.compensations,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureStep(step string) *stepStats {
	stats, ok := m.steps[step]
	if !ok {
		stats = &stepStats{}
		m.steps[step] = stats
	}
	return stats
}

func (m *Metrics) finish(step string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight--
	stats.executions++
	if failed {
		stats.failures++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
