package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Default age after which an in-flight claim is presumed orphaned by a crashed
// worker and may be reclaimed.
const defaultClaimTimeout = 2 * time.Minute

// IdempotencyStore records side-effect claims in Postgres, keyed by
// (operation, key). A completed record is permanent until purged; an in-flight
// claim older than the claim timeout is treated as abandoned and handed to the
// next caller.
type IdempotencyStore struct {
	db           *sql.DB
	claimTimeout time.Duration
}

// NewIdempotencyStore constructs an IdempotencyStore backed by Postgres.
func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db, claimTimeout: defaultClaimTimeout}
}

// NewIdempotencyStoreWithSchema initializes the schema then returns the store.
func NewIdempotencyStoreWithSchema(ctx context.Context, db *sql.DB) (*IdempotencyStore, error) {
	store := NewIdempotencyStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency table if it does not exist.
func (s *IdempotencyStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS booking_idempotency (
			operation TEXT NOT NULL,
			key TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (operation, key)
		)
	`)
	return err
}

// Begin claims the key. The insert wins for a fresh key; otherwise the
// existing record decides between an adopted result, a live claim, and an
// orphaned claim that gets re-stamped for this caller.
func (s *IdempotencyStore) Begin(ctx context.Context, operation, key string) (saga.Claim, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_idempotency (operation, key, status)
		VALUES ($1, $2, 'in_flight')
		ON CONFLICT (operation, key) DO NOTHING`,
		operation, key,
	)
	if err != nil {
		return "", "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", "", err
	}
	if affected == 1 {
		return saga.ClaimFresh, "", nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT status, result
		FROM booking_idempotency
		WHERE operation = $1 AND key = $2`,
		operation, key,
	)
	var status, result string
	if err := row.Scan(&status, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Raced with a Release; the next Begin will claim it.
			return saga.ClaimInFlight, "", nil
		}
		return "", "", err
	}
	if status == "completed" {
		return saga.ClaimCompleted, result, nil
	}

	reclaimed, err := s.db.ExecContext(ctx, `
		UPDATE booking_idempotency
		SET claimed_at = NOW()
		WHERE operation = $1 AND key = $2 AND status = 'in_flight'
		  AND claimed_at < NOW() - ($3 * INTERVAL '1 second')`,
		operation, key, s.claimTimeout.Seconds(),
	)
	if err != nil {
		return "", "", err
	}
	affected, err = reclaimed.RowsAffected()
	if err != nil {
		return "", "", err
	}
	if affected == 1 {
		return saga.ClaimFresh, "", nil
	}
	return saga.ClaimInFlight, "", nil
}

// Complete records the result of a finished side effect.
func (s *IdempotencyStore) Complete(ctx context.Context, operation, key, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_idempotency (operation, key, status, result, completed_at)
		VALUES ($1, $2, 'completed', $3, NOW())
		ON CONFLICT (operation, key) DO UPDATE
		SET status = 'completed', result = EXCLUDED.result, completed_at = NOW()`,
		operation, key, result,
	)
	return err
}

// Release drops an in-flight claim. Completed records stay.
func (s *IdempotencyStore) Release(ctx context.Context, operation, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM booking_idempotency
		WHERE operation = $1 AND key = $2 AND status = 'in_flight'`,
		operation, key,
	)
	return err
}

// PurgeOlderThan removes completed records whose completion is older than the
// retention window, returning how many were removed.
func (s *IdempotencyStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM booking_idempotency
		WHERE status = 'completed'
		  AND completed_at < NOW() - ($1 * INTERVAL '1 second')`,
		retention.Seconds(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
