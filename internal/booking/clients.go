package booking

import (
	"context"
	"errors"
	"fmt"
)

// Terminal business outcomes. The classifier treats these as permanent, so a
// saga that hits one goes straight to compensation instead of retrying.
var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrPaymentDeclined       = errors.New("payment declined")
	ErrBookingNotFound       = errors.New("booking not found")
)

// Compensation no-op outcomes. Refunding a charge that never landed, or one
// already refunded, is a success for compensation purposes.
var (
	ErrNotCharged       = errors.New("payment was never captured")
	ErrAlreadyRefunded  = errors.New("payment already refunded")
	ErrAlreadyReleased  = errors.New("reservation already released")
	ErrAlreadyCancelled = errors.New("booking already cancelled")
)

// VersionConflictError reports that an inventory write lost a version race.
// CurrentVersion carries the re-read token for the bounded conflict retry.
type VersionConflictError struct {
	ItemID         string
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("inventory version conflict on %s, current version %d", e.ItemID, e.CurrentVersion)
}

// Reservation is the inventory service's record of held units.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
	ItemID        string `json:"item_id"`
	Units         int    `json:"units"`
	Version       int64  `json:"version"`
}

// Charge is the payment service's record of a captured amount.
type Charge struct {
	ChargeID string  `json:"charge_id"`
	Amount   float64 `json:"amount"`
}

// Confirmation is the booking service's record of a confirmed booking.
type Confirmation struct {
	BookingID string `json:"booking_id"`
}

// InventoryClient reserves and releases item units. Reserve is guarded by a
// version token; a stale token returns *VersionConflictError with the current
// one.
type InventoryClient interface {
	Reserve(ctx context.Context, key, itemID string, units int, version int64) (Reservation, error)
	Release(ctx context.Context, key, itemID string, units int) error
}

// PaymentClient captures and refunds charges. Both calls are idempotent on
// the supplied key.
type PaymentClient interface {
	Charge(ctx context.Context, key, customerID string, amount float64) (Charge, error)
	Refund(ctx context.Context, key string) error
}

// BookingClient confirms and cancels bookings.
type BookingClient interface {
	Confirm(ctx context.Context, key, customerID, itemID string, units int) (Confirmation, error)
	Cancel(ctx context.Context, key string) error
}

// NotifyClient delivers a customer notification. Best effort; the saga never
// fails or compensates over a notification.
type NotifyClient interface {
	Notify(ctx context.Context, key, customerID, subject, body string) error
}
