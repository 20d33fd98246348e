package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives saga instances from start to a terminal state. It owns
// every mutation of the instance record; concurrent Advance calls (scheduler
// tick, reply callback, recovery sweep) are serialized per saga through the
// instance's optimistic version, never a global lock.
type Orchestrator struct {
	store  StateStore
	idem   IdempotencyStore
	steps  []Step
	cfg    Config
	events *Events
	logf   func(format string, args ...any)
	newID  func() string
}

// Options carries the optional orchestrator collaborators.
type Options struct {
	Events *Events
	Logf   func(format string, args ...any)
	NewID  func() string
}

// NewOrchestrator constructs an Orchestrator over the given stores and ordered
// step definitions.
func NewOrchestrator(store StateStore, idem IdempotencyStore, steps []Step, cfg Config, opts Options) *Orchestrator {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Orchestrator{
		store:  store,
		idem:   idem,
		steps:  steps,
		cfg:    cfg.normalized(),
		events: opts.Events,
		logf:   logf,
		newID:  newID,
	}
}

// Start creates and persists a saga for the given business correlation id and
// returns its id. The saga is left in RUNNING with all steps pending; progress
// is driven by Advance. Starting twice with the same correlation id fails with
// ErrDuplicateSaga.
func (o *Orchestrator) Start(ctx context.Context, correlationID string, payload any) (string, error) {
	id := correlationID
	if id == "" {
		id = o.newID()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:        id,
		Status:    StatusCreated,
		Steps:     make([]StepRecord, 0, len(o.steps)),
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, step := range o.steps {
		inst.Steps = append(inst.Steps, StepRecord{
			Name:           step.Name(),
			Status:         StepStatusPending,
			IdempotencyKey: id + ":" + step.Name(),
		})
	}

	if err := o.store.Create(ctx, inst); err != nil {
		return "", err
	}

	inst.Status = StatusRunning
	if err := o.store.Update(ctx, inst); err != nil {
		// The saga exists in CREATED; the recovery sweep will pick it up.
		return id, err
	}

	o.events.sagaStarted(id)
	return id, nil
}

// GetStatus returns a snapshot of the saga. Read-only.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*Instance, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Cancel requests cancellation. With no step in flight the saga transitions to
// COMPENSATING immediately; otherwise the request is deferred until the
// in-flight step resolves, then treated as a terminal failure. A later Advance
// drives the rollback either way.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return ErrSagaTerminal
	}
	if inst.CancelRequested {
		return nil
	}

	inst.CancelRequested = true
	if inst.Status != StatusCompensating && !inst.stepInProgress() {
		if idx := inst.firstOpen(); idx >= 0 {
			inst.Steps[idx].Status = StepStatusFailed
			inst.Steps[idx].LastError = ErrCancelled.Error()
		}
		inst.Status = StatusCompensating
	}
	return o.store.Update(ctx, inst)
}

// Advance drives the saga as far as it can go: it executes pending steps in
// order, retries transient failures with backoff, and runs compensation after
// a terminal failure, stopping at a terminal state or at a genuine suspension
// point (another worker holds the in-flight claim). Advance is safely
// re-entrant: a crashed-and-resumed saga re-checks the idempotency store
// before re-dispatching, so a completed side effect is never repeated.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*Instance, error) {
	const maxStaleReloads = 10

	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	stale := 0
	for {
		if err := ctx.Err(); err != nil {
			return inst.Clone(), err
		}
		if inst.Status.Terminal() {
			return inst.Clone(), nil
		}

		progressed, err := o.advanceOnce(ctx, inst)
		if errors.Is(err, ErrConcurrentModification) {
			// A racing writer won; reload and retry the decision.
			stale++
			if stale > maxStaleReloads {
				return inst.Clone(), err
			}
			reloaded, gerr := o.store.Get(ctx, id)
			if gerr != nil {
				return inst.Clone(), gerr
			}
			inst = reloaded
			continue
		}
		if err != nil {
			return inst.Clone(), err
		}
		if !progressed {
			return inst.Clone(), nil
		}
	}
}

// advanceOnce performs one state transition. It reports false when the saga is
// suspended waiting on an external trigger.
func (o *Orchestrator) advanceOnce(ctx context.Context, inst *Instance) (bool, error) {
	switch inst.Status {
	case StatusCreated:
		inst.Status = StatusRunning
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		return true, nil

	case StatusRunning:
		idx := inst.firstOpen()
		if idx < 0 {
			inst.Status = StatusCompleted
			if err := o.store.Update(ctx, inst); err != nil {
				return false, err
			}
			o.events.sagaFinished(inst.ID, StatusCompleted)
			return true, nil
		}
		if inst.CancelRequested && inst.Steps[idx].Status != StepStatusInProgress {
			return true, o.failStep(ctx, inst, idx, ErrCancelled.Error())
		}
		return o.executeStep(ctx, inst, idx)

	case StatusCompensating:
		return o.compensateNext(ctx, inst)
	}

	return false, nil
}

// executeStep runs one execution attempt cycle for the step at idx.
func (o *Orchestrator) executeStep(ctx context.Context, inst *Instance, idx int) (bool, error) {
	rec := &inst.Steps[idx]
	step := o.stepByName(rec.Name)
	if step == nil {
		return true, o.failStep(ctx, inst, idx, "no step registered for "+rec.Name)
	}

	claim, _, err := o.idem.Begin(ctx, rec.Name, rec.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("idempotency begin %s: %w", rec.Name, err)
	}
	switch claim {
	case ClaimCompleted:
		// The side effect already landed (crash-resume); adopt the recorded
		// result without re-dispatching.
		rec.Status = StepStatusCompleted
		rec.LastError = ""
		if rec.Attempts == 0 {
			rec.Attempts = 1
		}
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		o.events.stepCompleted(inst.ID, rec.Name, 0)
		return true, nil
	case ClaimInFlight:
		// Another worker owns the dispatch; suspend rather than duplicate it.
		return false, nil
	}

	rec.Status = StepStatusInProgress
	rec.Attempts++
	if err := o.store.Update(ctx, inst); err != nil {
		o.releaseClaim(ctx, rec)
		return false, err
	}
	o.events.stepStarted(inst.ID, rec.Name, rec.Attempts)

	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(rec.Name))
	res := step.Execute(stepCtx, inst, rec.IdempotencyKey)
	cancel()

	switch res.Outcome {
	case OutcomeSuccess:
		if err := o.idem.Complete(ctx, rec.Name, rec.IdempotencyKey, res.Detail); err != nil {
			// The completed step record below still prevents re-dispatch.
			o.logf("saga %s: record idempotent result for %s: %v", inst.ID, rec.Name, err)
		}
		rec.Status = StepStatusCompleted
		rec.LastError = ""
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		o.events.stepCompleted(inst.ID, rec.Name, time.Since(start))
		return true, nil

	case OutcomeVersionConflict:
		o.releaseClaim(ctx, rec)
		rec.ConflictRetries++
		rec.Version = res.Version
		rec.LastError = res.Detail
		if rec.ConflictRetries > o.cfg.ConflictRetries {
			return true, o.failStep(ctx, inst, idx, "version conflict retries exhausted: "+res.Detail)
		}
		rec.Status = StepStatusPending
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		// Retried immediately with the re-read version token, no backoff.
		o.events.stepRetry(inst.ID, rec.Name, rec.Attempts+1, res.Detail)
		return true, nil

	case OutcomeTransientFailure:
		o.releaseClaim(ctx, rec)
		rec.LastError = res.Detail
		// Attempts counts every dispatch; conflict dispatches have their own
		// bound and must not consume the transient budget.
		failures := rec.Attempts - rec.ConflictRetries
		if failures >= o.cfg.MaxAttempts {
			return true, o.failStep(ctx, inst, idx, "transient retries exhausted: "+res.Detail)
		}
		rec.Status = StepStatusPending
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		o.events.stepRetry(inst.ID, rec.Name, rec.Attempts+1, res.Detail)
		if err := o.cfg.Sleep(ctx, o.cfg.delay(failures)); err != nil {
			return false, err
		}
		return true, nil

	default: // OutcomeTerminalFailure
		o.releaseClaim(ctx, rec)
		return true, o.failStep(ctx, inst, idx, res.Detail)
	}
}

// failStep marks the step terminally failed and flips the saga to
// COMPENSATING. The failed step itself is never compensated; it never
// committed.
func (o *Orchestrator) failStep(ctx context.Context, inst *Instance, idx int, reason string) error {
	rec := &inst.Steps[idx]
	rec.Status = StepStatusFailed
	rec.LastError = reason
	inst.Status = StatusCompensating
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	o.events.stepFailed(inst.ID, rec.Name, reason)
	return nil
}

// compensateNext undoes the most recent completed step, or finishes the saga
// when none remain. A failing compensation is recorded and the sequence
// continues to the next step (best-effort full rollback).
func (o *Orchestrator) compensateNext(ctx context.Context, inst *Instance) (bool, error) {
	idx := inst.lastUncompensated()
	if idx < 0 {
		final := StatusCompensated
		if inst.anyCompensationFailed() {
			final = StatusCompensationFailed
		}
		inst.Status = final
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		o.events.sagaFinished(inst.ID, final)
		return true, nil
	}

	rec := &inst.Steps[idx]
	step := o.stepByName(rec.Name)
	if step == nil {
		rec.Status = StepStatusCompensationFailed
		rec.LastError = "no step registered for " + rec.Name
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		return true, nil
	}

	if rec.Status != StepStatusCompensating {
		rec.Status = StepStatusCompensating
		if err := o.store.Update(ctx, inst); err != nil {
			return false, err
		}
		o.events.compensationStarted(inst.ID, rec.Name)
	}

	compCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(rec.Name))
	err := step.Compensate(compCtx, inst)
	cancel()

	if err != nil {
		rec.Status = StepStatusCompensationFailed
		rec.LastError = "compensate: " + err.Error()
		if uerr := o.store.Update(ctx, inst); uerr != nil {
			return false, uerr
		}
		o.events.compensationFailed(inst.ID, rec.Name, err.Error())
		return true, nil
	}

	rec.Status = StepStatusCompensated
	if err := o.store.Update(ctx, inst); err != nil {
		return false, err
	}
	o.events.compensationCompleted(inst.ID, rec.Name)
	return true, nil
}

func (o *Orchestrator) stepByName(name string) Step {
	for _, s := range o.steps {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) releaseClaim(ctx context.Context, rec *StepRecord) {
	if err := o.idem.Release(ctx, rec.Name, rec.IdempotencyKey); err != nil {
		o.logf("release idempotency claim %s/%s: %v", rec.Name, rec.IdempotencyKey, err)
	}
}
