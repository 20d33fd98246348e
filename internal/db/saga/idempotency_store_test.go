package sagadb

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

func TestIdempotencyStore_BeginFresh(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO booking_idempotency").
		WithArgs("charge_payment", "saga-1:charge_payment").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	claim, _, err := store.Begin(context.Background(), "charge_payment", "saga-1:charge_payment")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim != saga.ClaimFresh {
		t.Fatalf("expected fresh claim, got %s", claim)
	}
}

func TestIdempotencyStore_BeginAdoptsCompleted(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO booking_idempotency").
		WithArgs("charge_payment", "saga-1:charge_payment").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status, result").
		WithArgs("charge_payment", "saga-1:charge_payment").
		WillReturnRows(sqlmock.NewRows([]string{"status", "result"}).AddRow("completed", "ch-42"))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	claim, result, err := store.Begin(context.Background(), "charge_payment", "saga-1:charge_payment")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim != saga.ClaimCompleted || result != "ch-42" {
		t.Fatalf("expected adopted result ch-42, got %s %q", claim, result)
	}
}

func TestIdempotencyStore_BeginLiveClaimIsInFlight(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO booking_idempotency").
		WithArgs("charge_payment", "k1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status, result").
		WithArgs("charge_payment", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "result"}).AddRow("in_flight", ""))
	mock.ExpectExec("UPDATE booking_idempotency").
		WithArgs("charge_payment", "k1", defaultClaimTimeout.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	claim, _, err := store.Begin(context.Background(), "charge_payment", "k1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim != saga.ClaimInFlight {
		t.Fatalf("expected in-flight claim, got %s", claim)
	}
}

func TestIdempotencyStore_BeginReclaimsOrphanedClaim(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO booking_idempotency").
		WithArgs("charge_payment", "k1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status, result").
		WithArgs("charge_payment", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "result"}).AddRow("in_flight", ""))
	mock.ExpectExec("UPDATE booking_idempotency").
		WithArgs("charge_payment", "k1", defaultClaimTimeout.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	claim, _, err := store.Begin(context.Background(), "charge_payment", "k1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if claim != saga.ClaimFresh {
		t.Fatalf("expected reclaimed fresh claim, got %s", claim)
	}
}

func TestIdempotencyStore_CompleteAndRelease(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO booking_idempotency").
		WithArgs("charge_payment", "k1", "ch-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM booking_idempotency").
		WithArgs("charge_payment", "k1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	if err := store.Complete(context.Background(), "charge_payment", "k1", "ch-7"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Release after Complete deletes nothing; the record is permanent.
	if err := store.Release(context.Background(), "charge_payment", "k1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestIdempotencyStore_PurgeOlderThan(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("DELETE FROM booking_idempotency").
		WithArgs((24 * time.Hour).Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	store := NewIdempotencyStore(db)
	removed, err := store.PurgeOlderThan(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
}
