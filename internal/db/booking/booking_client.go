package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
)

// BookingClient confirms and cancels bookings in Postgres, keyed by the
// caller's idempotency key.
type BookingClient struct {
	db *sql.DB
}

// NewBookingClient constructs a BookingClient backed by Postgres.
func NewBookingClient(db *sql.DB) *BookingClient {
	return &BookingClient{db: db}
}

// NewBookingClientWithSchema initializes the schema then returns the client.
func NewBookingClientWithSchema(ctx context.Context, db *sql.DB) (*BookingClient, error) {
	client := NewBookingClient(db)
	if err := client.InitSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// InitSchema creates the bookings table if it does not exist.
func (c *BookingClient) InitSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			key TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			units INT NOT NULL,
			confirmed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancelled_at TIMESTAMPTZ
		)
	`)
	return err
}

// Confirm records the booking. A replayed key returns the original
// confirmation.
func (c *BookingClient) Confirm(ctx context.Context, key, customerID, itemID string, units int) (booking.Confirmation, error) {
	if key == "" {
		return booking.Confirmation{}, fmt.Errorf("idempotency key required")
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO bookings (key, customer_id, item_id, units)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, customerID, itemID, units,
	)
	if err != nil {
		return booking.Confirmation{}, err
	}
	return booking.Confirmation{BookingID: key}, nil
}

// Cancel marks the booking cancelled. Cancelling an unknown booking reports
// booking.ErrBookingNotFound, a repeated cancel booking.ErrAlreadyCancelled.
func (c *BookingClient) Cancel(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key required")
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE bookings
		SET cancelled_at = NOW()
		WHERE key = $1 AND cancelled_at IS NULL`,
		key,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var cancelled bool
	row := c.db.QueryRowContext(ctx, `
		SELECT cancelled_at IS NOT NULL FROM bookings WHERE key = $1`,
		key,
	)
	switch scanErr := row.Scan(&cancelled); {
	case scanErr == nil:
		if cancelled {
			return booking.ErrAlreadyCancelled
		}
		return fmt.Errorf("booking %s not cancelled", key)
	case errors.Is(scanErr, sql.ErrNoRows):
		return booking.ErrBookingNotFound
	default:
		return scanErr
	}
}
