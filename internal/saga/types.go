// Package saga implements the booking saga orchestration engine: an ordered
// sequence of remote steps with compensating actions, driven through a durable,
// versioned state record so that progress survives crashes and concurrent
// advance attempts never double-execute a side effect.
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Status captures the lifecycle state of a saga instance.
type Status string

const (
	StatusCreated            Status = "created"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// StepStatus captures the lifecycle state of a single step record.
type StepStatus string

const (
	StepStatusPending            StepStatus = "pending"
	StepStatusInProgress         StepStatus = "in_progress"
	StepStatusCompleted          StepStatus = "completed"
	StepStatusFailed             StepStatus = "failed"
	StepStatusCompensating       StepStatus = "compensating"
	StepStatusCompensated        StepStatus = "compensated"
	StepStatusCompensationFailed StepStatus = "compensation_failed"
)

// Outcome classifies the result of a single step execution attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
	OutcomeVersionConflict  Outcome = "version_conflict"
)

// StepResult is the classified reply from one step execution attempt.
// Version carries the downstream resource's current version token on
// OutcomeVersionConflict so the next attempt can use a fresh token.
type StepResult struct {
	Outcome Outcome
	Detail  string
	Version int64
}

// Success builds a successful StepResult with an optional result payload.
func Success(detail string) StepResult {
	return StepResult{Outcome: OutcomeSuccess, Detail: detail}
}

// Transient builds a StepResult for a presumed-recoverable failure.
func Transient(err error) StepResult {
	return StepResult{Outcome: OutcomeTransientFailure, Detail: err.Error()}
}

// Terminal builds a StepResult for a failure that must trigger compensation.
func Terminal(err error) StepResult {
	return StepResult{Outcome: OutcomeTerminalFailure, Detail: err.Error()}
}

// Conflict builds a StepResult for a stale version token, carrying the
// resource's current version.
func Conflict(current int64) StepResult {
	return StepResult{Outcome: OutcomeVersionConflict, Detail: "version conflict", Version: current}
}

// StepRecord is the persisted per-step progress entry. The slice order on the
// owning Instance defines both forward execution order and reverse
// compensation order.
type StepRecord struct {
	Name            string     `json:"name"`
	Status          StepStatus `json:"status"`
	IdempotencyKey  string     `json:"idempotency_key"`
	Attempts        int        `json:"attempts"`
	ConflictRetries int        `json:"conflict_retries"`
	Version         int64      `json:"version,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Instance is the durable record of one saga. Version is a monotonic counter
// used as an optimistic lock on the record itself; every successful
// StateStore.Update bumps it.
type Instance struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Steps           []StepRecord    `json:"steps"`
	Version         int64           `json:"version"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (in *Instance) Clone() *Instance {
	cp := *in
	cp.Steps = make([]StepRecord, len(in.Steps))
	copy(cp.Steps, in.Steps)
	if in.Payload != nil {
		cp.Payload = make(json.RawMessage, len(in.Payload))
		copy(cp.Payload, in.Payload)
	}
	return &cp
}

// StepNamed returns the record for the named step, or nil.
func (in *Instance) StepNamed(name string) *StepRecord {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return &in.Steps[i]
		}
	}
	return nil
}

// firstOpen returns the index of the first step that has not completed, or -1
// when every step is completed.
func (in *Instance) firstOpen() int {
	for i := range in.Steps {
		if in.Steps[i].Status != StepStatusCompleted {
			return i
		}
	}
	return -1
}

// lastUncompensated returns the index of the most recent step that still needs
// compensation (completed or caught mid-compensation), or -1 when none remain.
func (in *Instance) lastUncompensated() int {
	for i := len(in.Steps) - 1; i >= 0; i-- {
		switch in.Steps[i].Status {
		case StepStatusCompleted, StepStatusCompensating:
			return i
		}
	}
	return -1
}

// anyCompensationFailed reports whether any step's compensation failed.
func (in *Instance) anyCompensationFailed() bool {
	for i := range in.Steps {
		if in.Steps[i].Status == StepStatusCompensationFailed {
			return true
		}
	}
	return false
}

// stepInProgress reports whether any step is currently dispatched.
func (in *Instance) stepInProgress() bool {
	for i := range in.Steps {
		if in.Steps[i].Status == StepStatusInProgress {
			return true
		}
	}
	return false
}

// Step is one unit of work in a saga. Execute must always be invoked with the
// same idempotency key for the same saga and step; the downstream collaborator
// de-duplicates by that key. Compensate must be safe to call even if Execute
// never fully completed, and must treat "nothing to undo" as success.
type Step interface {
	Name() string
	Execute(ctx context.Context, inst *Instance, idempotencyKey string) StepResult
	Compensate(ctx context.Context, inst *Instance) error
}

// StateStore persists saga instances. Update performs an optimistic write
// keyed on Instance.Version and must return ErrConcurrentModification when the
// stored version differs; on success it bumps the instance's version and
// UpdatedAt in place.
type StateStore interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, inst *Instance) error
	// ListActive returns non-terminal sagas whose last update is older than
	// olderThan, up to limit. Used by the recovery sweep.
	ListActive(ctx context.Context, olderThan time.Duration, limit int) ([]*Instance, error)
}

// Claim is the outcome of IdempotencyStore.Begin.
type Claim string

const (
	// ClaimFresh permits the caller to perform the side effect and then
	// Complete the record.
	ClaimFresh Claim = "fresh"
	// ClaimInFlight means another worker currently owns the dispatch; the
	// caller must back off rather than re-invoke.
	ClaimInFlight Claim = "in_flight"
	// ClaimCompleted means the side effect already landed; the cached result
	// is returned and the downstream call must not be repeated.
	ClaimCompleted Claim = "completed"
)

// IdempotencyStore maps (operation, key) to an observed result so that a
// retried dispatch never produces a second downstream side effect.
type IdempotencyStore interface {
	// Begin claims the key. The string result is the cached result when the
	// claim is ClaimCompleted.
	Begin(ctx context.Context, operation, key string) (Claim, string, error)
	// Complete records the result of a finished side effect. For a given key,
	// once completed, all future Begin calls return the same result.
	Complete(ctx context.Context, operation, key, result string) error
	// Release drops an in-flight claim after an attempt that is known not to
	// have committed, so a later retry may claim the key again.
	Release(ctx context.Context, operation, key string) error
}
