package realtime

import (
	"encoding/json"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Event is the JSON message pushed to subscribers for each saga transition.
type Event struct {
	Type    string `json:"type"`
	SagaID  string `json:"saga_id"`
	Step    string `json:"step,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

// EventsSink adapts a Hub into a saga event observer. Every callback becomes
// one JSON broadcast; delivery is best effort.
func EventsSink(hub *Hub) *saga.Events {
	publish := func(ev Event) {
		ev.At = time.Now().UTC().Format(time.RFC3339Nano)
		msg, err := json.Marshal(ev)
		if err != nil {
			return
		}
		hub.Publish(msg)
	}
	return &saga.Events{
		OnSagaStarted: func(id string) {
			publish(Event{Type: "saga_started", SagaID: id})
		},
		OnStepStarted: func(id, step string, attempt int) {
			publish(Event{Type: "step_started", SagaID: id, Step: step, Attempt: attempt})
		},
		OnStepCompleted: func(id, step string, _ time.Duration) {
			publish(Event{Type: "step_completed", SagaID: id, Step: step})
		},
		OnStepRetry: func(id, step string, attempt int, reason string) {
			publish(Event{Type: "step_retry", SagaID: id, Step: step, Attempt: attempt, Reason: reason})
		},
		OnStepFailed: func(id, step, reason string) {
			publish(Event{Type: "step_failed", SagaID: id, Step: step, Reason: reason})
		},
		OnCompensationStarted: func(id, step string) {
			publish(Event{Type: "compensation_started", SagaID: id, Step: step})
		},
		OnCompensationCompleted: func(id, step string) {
			publish(Event{Type: "compensation_completed", SagaID: id, Step: step})
		},
		OnCompensationFailed: func(id, step, reason string) {
			publish(Event{Type: "compensation_failed", SagaID: id, Step: step, Reason: reason})
		},
		OnSagaFinished: func(id string, status saga.Status) {
			publish(Event{Type: "saga_finished", SagaID: id, Status: string(status)})
		},
	}
}
