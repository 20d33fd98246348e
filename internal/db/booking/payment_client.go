package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
)

// PaymentClient persists charges and refunds in Postgres, keyed by the
// caller's idempotency key so a replayed capture returns the original charge.
type PaymentClient struct {
	db *sql.DB
	// DeclineOver rejects charges above this amount when positive. It stands
	// in for a real gateway's risk decision in development deployments.
	DeclineOver float64
}

// NewPaymentClient constructs a PaymentClient backed by Postgres.
func NewPaymentClient(db *sql.DB) *PaymentClient {
	return &PaymentClient{db: db}
}

// NewPaymentClientWithSchema initializes the schema then returns the client.
func NewPaymentClientWithSchema(ctx context.Context, db *sql.DB) (*PaymentClient, error) {
	client := NewPaymentClient(db)
	if err := client.InitSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// InitSchema creates the payments table if it does not exist.
func (c *PaymentClient) InitSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS booking_payments (
			key TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ
		)
	`)
	return err
}

// Charge captures the amount. A replayed key returns the original charge.
func (c *PaymentClient) Charge(ctx context.Context, key, customerID string, amount float64) (booking.Charge, error) {
	if key == "" {
		return booking.Charge{}, fmt.Errorf("idempotency key required")
	}
	if c.DeclineOver > 0 && amount > c.DeclineOver {
		return booking.Charge{}, booking.ErrPaymentDeclined
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO booking_payments (key, customer_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		key, customerID, amount,
	)
	if err != nil {
		return booking.Charge{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return booking.Charge{}, err
	}
	if affected == 1 {
		return booking.Charge{ChargeID: key, Amount: amount}, nil
	}

	row := c.db.QueryRowContext(ctx, `
		SELECT amount FROM booking_payments WHERE key = $1`,
		key,
	)
	var prior float64
	if err := row.Scan(&prior); err != nil {
		return booking.Charge{}, err
	}
	return booking.Charge{ChargeID: key, Amount: prior}, nil
}

// Refund reverses the charge for the key. Refunding an uncaptured charge
// reports booking.ErrNotCharged, a repeated refund booking.ErrAlreadyRefunded.
func (c *PaymentClient) Refund(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key required")
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE booking_payments
		SET refunded_at = NOW()
		WHERE key = $1 AND refunded_at IS NULL`,
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

	var refunded bool
	row := c.db.QueryRowContext(ctx, `
		SELECT refunded_at IS NOT NULL FROM booking_payments WHERE key = $1`,
		key,
	)
	switch scanErr := row.Scan(&refunded); {
	case scanErr == nil:
		if refunded {
			return booking.ErrAlreadyRefunded
		}
		return booking.ErrNotCharged
	case errors.Is(scanErr, sql.ErrNoRows):
		return booking.ErrNotCharged
	default:
		return scanErr
	}
}
