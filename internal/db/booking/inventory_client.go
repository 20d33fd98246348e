// Package bookingdb implements the booking collaborators on Postgres:
// inventory with version-guarded writes, payments and bookings keyed by
// idempotency key.
package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
)

// InventoryClient reserves and releases item units in Postgres. Every stock
// write is guarded by the item's version column, and every mutation is
// deduplicated by its idempotency key inside the same transaction, so a
// retried call can never move stock twice.
type InventoryClient struct {
	db *sql.DB
}

// NewInventoryClient constructs an InventoryClient backed by Postgres.
func NewInventoryClient(db *sql.DB) *InventoryClient {
	return &InventoryClient{db: db}
}

// NewInventoryClientWithSchema initializes the schema then returns the client.
func NewInventoryClientWithSchema(ctx context.Context, db *sql.DB) (*InventoryClient, error) {
	client := NewInventoryClient(db)
	if err := client.InitSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// InitSchema creates the inventory tables if they do not exist.
func (c *InventoryClient) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_items (
			item_id TEXT PRIMARY KEY,
			available INT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_moves (
			key TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			units INT NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Stock upserts an item's available units, bumping its version.
func (c *InventoryClient) Stock(ctx context.Context, itemID string, units int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO inventory_items (item_id, available, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (item_id) DO UPDATE
		SET available = inventory_items.available + EXCLUDED.available,
		    version = inventory_items.version + 1`,
		itemID, units,
	)
	return err
}

// Reserve holds units against the item. A replayed key returns the prior
// reservation; a stale version token returns *booking.VersionConflictError
// carrying the current one.
func (c *InventoryClient) Reserve(ctx context.Context, key, itemID string, units int, version int64) (booking.Reservation, error) {
	if key == "" {
		return booking.Reservation{}, fmt.Errorf("idempotency key required")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return booking.Reservation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The move row claims the key; a replay finds it and returns the prior
	// reservation without touching stock.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_moves (key, item_id, units, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (key) DO NOTHING`,
		key, itemID, units,
	)
	if err != nil {
		return booking.Reservation{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return booking.Reservation{}, err
	}
	if affected == 0 {
		row := tx.QueryRowContext(ctx, `
			SELECT item_id, units, version FROM inventory_moves WHERE key = $1`,
			key,
		)
		var prior booking.Reservation
		if err := row.Scan(&prior.ItemID, &prior.Units, &prior.Version); err != nil {
			return booking.Reservation{}, err
		}
		prior.ReservationID = key
		return prior, tx.Commit()
	}

	guarded, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available - $2, version = version + 1
		WHERE item_id = $1 AND version = $3 AND available >= $2`,
		itemID, units, version,
	)
	if err != nil {
		return booking.Reservation{}, err
	}
	affected, err = guarded.RowsAffected()
	if err != nil {
		return booking.Reservation{}, err
	}
	if affected == 0 {
		// Roll the move row back with the stock untouched and report why the
		// guard matched nothing.
		return booking.Reservation{}, c.diagnoseReserveFailure(ctx, tx, itemID, units, version)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE inventory_moves
		SET version = (SELECT version FROM inventory_items WHERE item_id = $2)
		WHERE key = $1
		RETURNING version`,
		key, itemID,
	)
	var newVersion int64
	if err := row.Scan(&newVersion); err != nil {
		return booking.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return booking.Reservation{}, err
	}
	return booking.Reservation{
		ReservationID: key,
		ItemID:        itemID,
		Units:         units,
		Version:       newVersion,
	}, nil
}

// diagnoseReserveFailure decides why the guarded write matched no row: a
// moved version token, missing stock, or an unknown item.
func (c *InventoryClient) diagnoseReserveFailure(ctx context.Context, tx *sql.Tx, itemID string, units int, version int64) error {
	row := tx.QueryRowContext(ctx, `
		SELECT available, version FROM inventory_items WHERE item_id = $1`,
		itemID,
	)
	var available int
	var current int64
	if err := row.Scan(&available, &current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return booking.ErrInsufficientInventory
		}
		return err
	}
	if current != version {
		return &booking.VersionConflictError{ItemID: itemID, CurrentVersion: current}
	}
	return booking.ErrInsufficientInventory
}

// Release returns units to the item. A replayed key reports
// booking.ErrAlreadyReleased.
func (c *InventoryClient) Release(ctx context.Context, key, itemID string, units int) error {
	if key == "" {
		return fmt.Errorf("idempotency key required")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_moves (key, item_id, units, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (key) DO NOTHING`,
		key, itemID, units,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return booking.ErrAlreadyReleased
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available + $2, version = version + 1
		WHERE item_id = $1`,
		itemID, units,
	); err != nil {
		return err
	}

	return tx.Commit()
}
