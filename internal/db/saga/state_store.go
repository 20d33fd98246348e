// Package sagadb persists saga state and idempotency records in Postgres.
package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// StateStore persists saga instances in Postgres. The saga row carries the
// optimistic version counter; step rows are rewritten in the same transaction
// so a lost version race never leaves a half-updated instance.
type StateStore struct {
	db *sql.DB
}

// NewStateStore constructs a StateStore backed by Postgres.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// NewStateStoreWithSchema initializes the schema then returns the store.
func NewStateStoreWithSchema(ctx context.Context, db *sql.DB) (*StateStore, error) {
	store := NewStateStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *StateStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS booking_sagas (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS booking_saga_steps (
			saga_id TEXT NOT NULL,
			position INT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			conflict_retries INT NOT NULL DEFAULT 0,
			resource_version BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (saga_id, position),
			FOREIGN KEY (saga_id) REFERENCES booking_sagas(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS booking_sagas_active_idx
			ON booking_sagas (updated_at)
			WHERE status NOT IN ('completed', 'compensated', 'compensation_failed')`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a new saga and its step rows. A saga with the same ID
// already on record yields saga.ErrDuplicateSaga.
func (s *StateStore) Create(ctx context.Context, inst *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO booking_sagas (id, status, version, cancel_requested, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.Status, inst.Version, inst.CancelRequested, []byte(inst.Payload),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrDuplicateSaga
	}

	for i, step := range inst.Steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO booking_saga_steps
				(saga_id, position, name, status, idempotency_key, attempts, conflict_retries, resource_version, last_error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			inst.ID, i, step.Name, step.Status, step.IdempotencyKey,
			step.Attempts, step.ConflictRetries, step.Version, step.LastError,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get loads a saga and its steps.
func (s *StateStore) Get(ctx context.Context, id string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, version, cancel_requested, payload, created_at, updated_at
		FROM booking_sagas
		WHERE id = $1`,
		id,
	)

	inst := &saga.Instance{}
	var status string
	var payload []byte
	if err := row.Scan(&inst.ID, &status, &inst.Version, &inst.CancelRequested, &payload, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrSagaNotFound
		}
		return nil, err
	}
	inst.Status = saga.Status(status)
	inst.Payload = payload

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, idempotency_key, attempts, conflict_retries, resource_version, last_error
		FROM booking_saga_steps
		WHERE saga_id = $1
		ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var step saga.StepRecord
		var stepStatus string
		if err := rows.Scan(&step.Name, &stepStatus, &step.IdempotencyKey,
			&step.Attempts, &step.ConflictRetries, &step.Version, &step.LastError); err != nil {
			return nil, err
		}
		step.Status = saga.StepStatus(stepStatus)
		inst.Steps = append(inst.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return inst, nil
}

// Update writes the saga guarded by its version. A stored version other than
// the instance's yields saga.ErrConcurrentModification and writes nothing.
func (s *StateStore) Update(ctx context.Context, inst *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE booking_sagas
		SET status = $3, version = version + 1, cancel_requested = $4, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		inst.ID, inst.Version, inst.Status, inst.CancelRequested,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrConcurrentModification
	}

	for i, step := range inst.Steps {
		if _, err := tx.ExecContext(ctx, `
			UPDATE booking_saga_steps
			SET status = $3, attempts = $4, conflict_retries = $5, resource_version = $6, last_error = $7
			WHERE saga_id = $1 AND position = $2`,
			inst.ID, i, step.Status, step.Attempts, step.ConflictRetries, step.Version, step.LastError,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActive returns non-terminal sagas whose last update is older than the
// given age, oldest first.
func (s *StateStore) ListActive(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM booking_sagas
		WHERE status NOT IN ('completed', 'compensated', 'compensation_failed')
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY updated_at
		LIMIT $2`,
		olderThan.Seconds(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	instances := make([]*saga.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if err != nil {
			// Raced with a concurrent delete; skip rather than abort the sweep.
			if errors.Is(err, saga.ErrSagaNotFound) {
				continue
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
