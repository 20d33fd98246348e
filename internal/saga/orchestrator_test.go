package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedStep struct {
	name      string
	script    []StepResult
	compErrs  []error
	execCalls int
	compCalls int
	onExecute func(inst *Instance)
	seq       *[]string
}

func (s *scriptedStep) Name() string { return s.name }

func (s *scriptedStep) Execute(ctx context.Context, inst *Instance, key string) StepResult {
	s.execCalls++
	if s.seq != nil {
		*s.seq = append(*s.seq, "exec:"+s.name)
	}
	if s.onExecute != nil {
		s.onExecute(inst)
	}
	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		return res
	}
	return Success("ok")
}

func (s *scriptedStep) Compensate(ctx context.Context, inst *Instance) error {
	s.compCalls++
	if s.seq != nil {
		*s.seq = append(*s.seq, "comp:"+s.name)
	}
	if len(s.compErrs) > 0 {
		err := s.compErrs[0]
		s.compErrs = s.compErrs[1:]
		return err
	}
	return nil
}

type testEnv struct {
	store  *MemoryStateStore
	idem   *MemoryIdempotencyStore
	delays []time.Duration
}

func newTestOrchestrator(t *testing.T, steps []Step, cfg Config) (*Orchestrator, *testEnv) {
	t.Helper()
	env := &testEnv{
		store: NewMemoryStateStore(),
		idem:  NewMemoryIdempotencyStore(),
	}
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		env.delays = append(env.delays, d)
		return nil
	}
	cfg.Jitter = func(d time.Duration) time.Duration { return d }
	orch := NewOrchestrator(env.store, env.idem, steps, cfg, Options{
		Logf: func(string, ...any) {},
	})
	return orch, env
}

func startAndAdvance(t *testing.T, orch *Orchestrator, correlationID string) *Instance {
	t.Helper()
	id, err := orch.Start(context.Background(), correlationID, map[string]string{"item": "room-12"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return inst
}

func TestOrchestrator_AllStepsSucceed(t *testing.T) {
	var seq []string
	reserve := &scriptedStep{name: "reserve_inventory", seq: &seq}
	charge := &scriptedStep{name: "charge_payment", seq: &seq}
	confirm := &scriptedStep{name: "confirm_booking", seq: &seq}
	orch, _ := newTestOrchestrator(t, []Step{reserve, charge, confirm}, Config{})

	inst := startAndAdvance(t, orch, "booking-1")

	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	for _, rec := range inst.Steps {
		if rec.Status != StepStatusCompleted {
			t.Fatalf("step %s not completed: %s", rec.Name, rec.Status)
		}
	}
	want := []string{"exec:reserve_inventory", "exec:charge_payment", "exec:confirm_booking"}
	if len(seq) != len(want) {
		t.Fatalf("unexpected call sequence: %v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("unexpected call sequence: %v", seq)
		}
	}
}

func TestOrchestrator_TerminalFailureCompensatesInReverse(t *testing.T) {
	var seq []string
	reserve := &scriptedStep{name: "reserve_inventory", seq: &seq}
	charge := &scriptedStep{name: "charge_payment", seq: &seq}
	confirm := &scriptedStep{
		name:   "confirm_booking",
		seq:    &seq,
		script: []StepResult{Terminal(errors.New("booking rejected"))},
	}
	orch, _ := newTestOrchestrator(t, []Step{reserve, charge, confirm}, Config{})

	inst := startAndAdvance(t, orch, "booking-2")

	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	want := []string{
		"exec:reserve_inventory", "exec:charge_payment", "exec:confirm_booking",
		"comp:charge_payment", "comp:reserve_inventory",
	}
	if len(seq) != len(want) {
		t.Fatalf("unexpected sequence: %v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("unexpected sequence: %v", seq)
		}
	}
	if confirm.compCalls != 0 {
		t.Fatalf("failed step must never be compensated, got %d calls", confirm.compCalls)
	}
	if inst.Steps[2].Status != StepStatusFailed {
		t.Fatalf("expected failed confirm step, got %s", inst.Steps[2].Status)
	}
	if inst.Steps[0].Status != StepStatusCompensated || inst.Steps[1].Status != StepStatusCompensated {
		t.Fatalf("expected compensated prefix, got %s / %s", inst.Steps[0].Status, inst.Steps[1].Status)
	}
}

func TestOrchestrator_PaymentDeclineScenario(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	charge := &scriptedStep{
		name:   "charge_payment",
		script: []StepResult{Terminal(errors.New("payment declined"))},
	}
	confirm := &scriptedStep{name: "confirm_booking"}
	orch, _ := newTestOrchestrator(t, []Step{reserve, charge, confirm}, Config{})

	inst := startAndAdvance(t, orch, "booking-3")

	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if reserve.compCalls != 1 {
		t.Fatalf("expected 1 reserve compensation, got %d", reserve.compCalls)
	}
	if charge.compCalls != 0 || confirm.compCalls != 0 {
		t.Fatalf("unexpected compensations: charge=%d confirm=%d", charge.compCalls, confirm.compCalls)
	}
	if confirm.execCalls != 0 {
		t.Fatalf("confirm must not run after payment decline, got %d calls", confirm.execCalls)
	}
}

func TestOrchestrator_TransientRetriesWithBackoff(t *testing.T) {
	reserve := &scriptedStep{
		name: "reserve_inventory",
		script: []StepResult{
			Transient(errors.New("timeout")),
			Transient(errors.New("timeout")),
			Success("ok"),
		},
	}
	orch, env := newTestOrchestrator(t, []Step{reserve}, Config{
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  time.Second,
	})

	inst := startAndAdvance(t, orch, "booking-4")

	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if reserve.execCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", reserve.execCalls)
	}
	if inst.Steps[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", inst.Steps[0].Attempts)
	}
	if len(env.delays) != 2 || env.delays[0] != 10*time.Millisecond || env.delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff delays: %v", env.delays)
	}
}

func TestOrchestrator_TransientExhaustedReclassifiedTerminal(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	charge := &scriptedStep{
		name: "charge_payment",
		script: []StepResult{
			Transient(errors.New("gateway unreachable")),
			Transient(errors.New("gateway unreachable")),
		},
	}
	orch, _ := newTestOrchestrator(t, []Step{reserve, charge}, Config{MaxAttempts: 2})

	inst := startAndAdvance(t, orch, "booking-5")

	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if charge.execCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", charge.execCalls)
	}
	if reserve.compCalls != 1 {
		t.Fatalf("expected reserve compensation, got %d", reserve.compCalls)
	}
	if inst.Steps[1].Status != StepStatusFailed {
		t.Fatalf("expected failed charge step, got %s", inst.Steps[1].Status)
	}
}

func TestOrchestrator_VersionConflictRetryIsBounded(t *testing.T) {
	var seenVersions []int64
	reserve := &scriptedStep{
		name: "reserve_inventory",
		script: []StepResult{
			Conflict(5),
			Conflict(6),
			Conflict(7),
		},
	}
	reserve.onExecute = func(inst *Instance) {
		seenVersions = append(seenVersions, inst.StepNamed("reserve_inventory").Version)
	}
	orch, env := newTestOrchestrator(t, []Step{reserve}, Config{ConflictRetries: 2})

	inst := startAndAdvance(t, orch, "booking-6")

	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if reserve.execCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", reserve.execCalls)
	}
	if reserve.compCalls != 0 {
		t.Fatalf("step never committed, must not be compensated; got %d", reserve.compCalls)
	}
	// Conflict retries re-read the current version token, no backoff.
	if len(env.delays) != 0 {
		t.Fatalf("conflict retries must not back off, got delays %v", env.delays)
	}
	if len(seenVersions) != 3 || seenVersions[0] != 0 || seenVersions[1] != 5 || seenVersions[2] != 6 {
		t.Fatalf("expected re-read version tokens [0 5 6], got %v", seenVersions)
	}
}

func TestOrchestrator_CompensationFailureContinuesAndMarksSaga(t *testing.T) {
	var seq []string
	reserve := &scriptedStep{name: "reserve_inventory", seq: &seq}
	charge := &scriptedStep{
		name:     "charge_payment",
		seq:      &seq,
		compErrs: []error{errors.New("refund endpoint down")},
	}
	confirm := &scriptedStep{
		name:   "confirm_booking",
		seq:    &seq,
		script: []StepResult{Terminal(errors.New("rejected"))},
	}
	orch, _ := newTestOrchestrator(t, []Step{reserve, charge, confirm}, Config{})

	inst := startAndAdvance(t, orch, "booking-7")

	if inst.Status != StatusCompensationFailed {
		t.Fatalf("expected compensation_failed, got %s", inst.Status)
	}
	// The failing compensation must not abort the rest of the rollback.
	if reserve.compCalls != 1 {
		t.Fatalf("expected reserve compensation to still run, got %d", reserve.compCalls)
	}
	if inst.Steps[1].Status != StepStatusCompensationFailed {
		t.Fatalf("expected compensation_failed charge step, got %s", inst.Steps[1].Status)
	}
	if inst.Steps[0].Status != StepStatusCompensated {
		t.Fatalf("expected compensated reserve step, got %s", inst.Steps[0].Status)
	}
}

func TestOrchestrator_CrashResumeAdoptsCompletedSideEffect(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	charge := &scriptedStep{name: "charge_payment"}
	orch, env := newTestOrchestrator(t, []Step{reserve, charge}, Config{})

	id, err := orch.Start(context.Background(), "booking-8", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Simulate a crash after the reserve side effect landed downstream but
	// before the step record was marked completed.
	if err := env.idem.Complete(context.Background(), "reserve_inventory", id+":reserve_inventory", "reservation-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if reserve.execCalls != 0 {
		t.Fatalf("completed side effect must not be re-dispatched, got %d calls", reserve.execCalls)
	}
	if charge.execCalls != 1 {
		t.Fatalf("expected 1 charge dispatch, got %d", charge.execCalls)
	}
	if inst.Steps[0].Status != StepStatusCompleted {
		t.Fatalf("expected adopted reserve step, got %s", inst.Steps[0].Status)
	}
}

func TestOrchestrator_InFlightClaimSuspendsAdvance(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	orch, env := newTestOrchestrator(t, []Step{reserve}, Config{})

	id, err := orch.Start(context.Background(), "booking-9", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Another worker holds the dispatch claim.
	claim, _, err := env.idem.Begin(context.Background(), "reserve_inventory", id+":reserve_inventory")
	if err != nil || claim != ClaimFresh {
		t.Fatalf("begin: claim=%s err=%v", claim, err)
	}

	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if inst.Status != StatusRunning {
		t.Fatalf("expected running (suspended), got %s", inst.Status)
	}
	if reserve.execCalls != 0 {
		t.Fatalf("must not dispatch while claim is in flight, got %d calls", reserve.execCalls)
	}

	// Claim resolved elsewhere as completed: a later trigger adopts it.
	if err := env.idem.Complete(context.Background(), "reserve_inventory", id+":reserve_inventory", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	inst, err = orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if reserve.execCalls != 0 {
		t.Fatalf("adopting a completed claim must not dispatch, got %d calls", reserve.execCalls)
	}
}

func TestOrchestrator_DuplicateStart(t *testing.T) {
	orch, _ := newTestOrchestrator(t, []Step{&scriptedStep{name: "reserve_inventory"}}, Config{})

	if _, err := orch.Start(context.Background(), "booking-10", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := orch.Start(context.Background(), "booking-10", nil)
	if !errors.Is(err, ErrDuplicateSaga) {
		t.Fatalf("expected ErrDuplicateSaga, got %v", err)
	}
}

func TestOrchestrator_GetStatusUnknownSaga(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, Config{})
	_, err := orch.GetStatus(context.Background(), "missing")
	if !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestOrchestrator_AdvanceOnTerminalSagaIsNoop(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	orch, _ := newTestOrchestrator(t, []Step{reserve}, Config{})

	inst := startAndAdvance(t, orch, "booking-11")
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}

	again, err := orch.Advance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", again.Status)
	}
	if reserve.execCalls != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", reserve.execCalls)
	}
}

func TestOrchestrator_CancelBeforeProgressCompensatesNothing(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	orch, _ := newTestOrchestrator(t, []Step{reserve}, Config{})

	id, err := orch.Start(context.Background(), "booking-12", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if reserve.execCalls != 0 || reserve.compCalls != 0 {
		t.Fatalf("cancelled saga must not touch the step: exec=%d comp=%d", reserve.execCalls, reserve.compCalls)
	}
}

func TestOrchestrator_CancelDuringStepIsDeferred(t *testing.T) {
	orch := (*Orchestrator)(nil)
	reserve := &scriptedStep{name: "reserve_inventory"}
	charge := &scriptedStep{name: "charge_payment"}
	reserve.onExecute = func(inst *Instance) {
		// Cancellation arrives while the reserve dispatch is in flight.
		if err := orch.Cancel(context.Background(), inst.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}
	orch, _ = newTestOrchestrator(t, []Step{reserve, charge}, Config{})

	inst := startAndAdvance(t, orch, "booking-13")

	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	// The in-flight step resolved first, then the cancel took effect.
	if inst.Steps[0].Status != StepStatusCompensated {
		t.Fatalf("expected reserve compensated, got %s", inst.Steps[0].Status)
	}
	if charge.execCalls != 0 {
		t.Fatalf("charge must not run after cancellation, got %d calls", charge.execCalls)
	}
	if reserve.compCalls != 1 {
		t.Fatalf("expected reserve compensation, got %d", reserve.compCalls)
	}
}

func TestOrchestrator_CancelTerminalSaga(t *testing.T) {
	orch, _ := newTestOrchestrator(t, []Step{&scriptedStep{name: "reserve_inventory"}}, Config{})
	inst := startAndAdvance(t, orch, "booking-14")
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if err := orch.Cancel(context.Background(), inst.ID); !errors.Is(err, ErrSagaTerminal) {
		t.Fatalf("expected ErrSagaTerminal, got %v", err)
	}
}

// staleOnceStore injects a single optimistic-lock failure to exercise the
// reload-and-retry path.
type staleOnceStore struct {
	StateStore
	failures int
}

func (s *staleOnceStore) Update(ctx context.Context, inst *Instance) error {
	if s.failures > 0 {
		s.failures--
		return ErrConcurrentModification
	}
	return s.StateStore.Update(ctx, inst)
}

func TestOrchestrator_ConcurrentModificationReloadsAndRetries(t *testing.T) {
	reserve := &scriptedStep{name: "reserve_inventory"}
	mem := NewMemoryStateStore()
	idem := NewMemoryIdempotencyStore()
	store := &staleOnceStore{StateStore: mem}
	orch := NewOrchestrator(store, idem, []Step{reserve}, Config{}, Options{
		Logf: func(string, ...any) {},
	})

	id, err := orch.Start(context.Background(), "booking-15", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first write during Advance loses the optimistic-lock race; the
	// orchestrator must reload and retry its decision, not overwrite.
	store.failures = 1
	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if reserve.execCalls != 1 {
		t.Fatalf("expected exactly 1 dispatch despite stale write, got %d", reserve.execCalls)
	}
}

func TestOrchestrator_EventSequence(t *testing.T) {
	var events []string
	sink := &Events{
		OnSagaStarted:           func(id string) { events = append(events, "saga_started") },
		OnStepStarted:           func(id, step string, attempt int) { events = append(events, "step_started:"+step) },
		OnStepCompleted:         func(id, step string, took time.Duration) { events = append(events, "step_completed:"+step) },
		OnStepFailed:            func(id, step, reason string) { events = append(events, "step_failed:"+step) },
		OnCompensationStarted:   func(id, step string) { events = append(events, "comp_started:"+step) },
		OnCompensationCompleted: func(id, step string) { events = append(events, "comp_completed:"+step) },
		OnSagaFinished:          func(id string, status Status) { events = append(events, "finished:"+string(status)) },
	}

	reserve := &scriptedStep{name: "reserve_inventory"}
	charge := &scriptedStep{name: "charge_payment", script: []StepResult{Terminal(errors.New("declined"))}}
	store := NewMemoryStateStore()
	idem := NewMemoryIdempotencyStore()
	orch := NewOrchestrator(store, idem, []Step{reserve, charge}, Config{}, Options{
		Events: sink,
		Logf:   func(string, ...any) {},
	})

	id, err := orch.Start(context.Background(), "booking-16", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orch.Advance(context.Background(), id); err != nil {
		t.Fatalf("advance: %v", err)
	}

	want := []string{
		"saga_started",
		"step_started:reserve_inventory",
		"step_completed:reserve_inventory",
		"step_started:charge_payment",
		"step_failed:charge_payment",
		"comp_started:reserve_inventory",
		"comp_completed:reserve_inventory",
		"finished:compensated",
	}
	if len(events) != len(want) {
		t.Fatalf("unexpected events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: want %q, got %q (all: %v)", i, want[i], events[i], events)
		}
	}
}

func TestOrchestrator_PanickingEventObserverDoesNotWedgeSaga(t *testing.T) {
	sink := &Events{
		OnStepCompleted: func(string, string, time.Duration) { panic("observer bug") },
	}
	store := NewMemoryStateStore()
	idem := NewMemoryIdempotencyStore()
	orch := NewOrchestrator(store, idem, []Step{&scriptedStep{name: "reserve_inventory"}}, Config{}, Options{
		Events: sink,
		Logf:   func(string, ...any) {},
	})

	id, err := orch.Start(context.Background(), "booking-17", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := orch.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
}

func TestOrchestrator_ConflictsDoNotConsumeTransientBudget(t *testing.T) {
	reserve := &scriptedStep{
		name: "reserve_inventory",
		script: []StepResult{
			Conflict(5),
			Conflict(6),
			Transient(errors.New("inventory timeout")),
			Transient(errors.New("inventory timeout")),
		},
	}
	orch, env := newTestOrchestrator(t, []Step{reserve}, Config{MaxAttempts: 3, ConflictRetries: 2})

	inst := startAndAdvance(t, orch, "booking-conflict-budget")

	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed after conflicts then transient retries, got %s", inst.Status)
	}
	if reserve.execCalls != 5 {
		t.Fatalf("expected 5 dispatches, got %d", reserve.execCalls)
	}
	if got := inst.Steps[0].Attempts; got != 5 {
		t.Fatalf("expected 5 recorded attempts, got %d", got)
	}
	if got := inst.Steps[0].ConflictRetries; got != 2 {
		t.Fatalf("expected 2 conflict retries, got %d", got)
	}
	// Only the transient retries back off; conflicts retry immediately.
	if len(env.delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", env.delays)
	}
}
