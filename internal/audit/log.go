// Package audit appends saga transitions to a JSONL file. The trail is the
// operator's answer to "what did this saga actually do": one fsynced line per
// transition, written on the advancing goroutine before the next one starts.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Entry is one audit line.
type Entry struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	SagaID  string    `json:"saga_id"`
	Step    string    `json:"step,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Status  string    `json:"status,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Log appends serialized entries to a file for durability.
type Log struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// Open constructs a Log targeting the given path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{f: f, now: time.Now}, nil
}

// Append writes one entry and fsyncs it.
func (l *Log) Append(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = l.now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return l.f.Sync()
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// EventsSink adapts a Log into a saga event observer. Append errors are
// reported through logf; the saga itself never fails over the audit trail.
func EventsSink(l *Log, logf func(format string, args ...any)) *saga.Events {
	write := func(entry Entry) {
		if err := l.Append(entry); err != nil && logf != nil {
			logf("audit append: %v", err)
		}
	}
	return &saga.Events{
		OnSagaStarted: func(id string) {
			write(Entry{Type: "saga_started", SagaID: id})
		},
		OnStepStarted: func(id, step string, attempt int) {
			write(Entry{Type: "step_started", SagaID: id, Step: step, Attempt: attempt})
		},
		OnStepCompleted: func(id, step string, _ time.Duration) {
			write(Entry{Type: "step_completed", SagaID: id, Step: step})
		},
		OnStepRetry: func(id, step string, attempt int, reason string) {
			write(Entry{Type: "step_retry", SagaID: id, Step: step, Attempt: attempt, Reason: reason})
		},
		OnStepFailed: func(id, step, reason string) {
			write(Entry{Type: "step_failed", SagaID: id, Step: step, Reason: reason})
		},
		OnCompensationStarted: func(id, step string) {
			write(Entry{Type: "compensation_started", SagaID: id, Step: step})
		},
		OnCompensationCompleted: func(id, step string) {
			write(Entry{Type: "compensation_completed", SagaID: id, Step: step})
		},
		OnCompensationFailed: func(id, step, reason string) {
			write(Entry{Type: "compensation_failed", SagaID: id, Step: step, Reason: reason})
		},
		OnSagaFinished: func(id string, status saga.Status) {
			write(Entry{Type: "saga_finished", SagaID: id, Status: string(status)})
		},
	}
}
