package observability

import (
	"sync"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// EventsSink adapts a Metrics into a saga event observer. Step latency is
// measured between the started and completed/failed callbacks for the same
// saga and step.
func EventsSink(m *Metrics) *saga.Events {
	spans := &spanTable{open: make(map[string]*StepSpan)}
	return &saga.Events{
		OnSagaStarted: func(string) { m.SagaStarted() },
		OnStepStarted: func(sagaID, step string, _ int) {
			spans.put(sagaID, step, m.StartStep(step))
		},
		OnStepCompleted: func(sagaID, step string, _ time.Duration) {
			spans.take(sagaID, step).End(false)
		},
		OnStepRetry: func(sagaID, step string, _ int, _ string) {
			// A retry closes the failed attempt's span; the next attempt
			// opens its own.
			spans.take(sagaID, step).End(true)
			m.StepRetried(step)
		},
		OnStepFailed: func(sagaID, step string, _ string) {
			spans.take(sagaID, step).End(true)
		},
		OnCompensationCompleted: func(_, step string) {
			m.StepCompensated(step)
		},
		OnSagaFinished: func(_ string, status saga.Status) {
			m.SagaFinished(status)
		},
	}
}

type spanTable struct {
	mu   sync.Mutex
	open map[string]*StepSpan
}

func (t *spanTable) put(sagaID, step string, span *StepSpan) {
	t.mu.Lock()
	t.open[sagaID+":"+step] = span
	t.mu.Unlock()
}

func (t *spanTable) take(sagaID, step string) *StepSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	span := t.open[sagaID+":"+step]
	delete(t.open, sagaID+":"+step)
	return span
}
