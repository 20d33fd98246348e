// Package booking defines the booking saga's step contracts and the
// collaborator clients they dispatch to (inventory, payment, booking,
// notification).
package booking

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Step names, in declared execution order.
const (
	StepReserveInventory = "reserve_inventory"
	StepChargePayment    = "charge_payment"
	StepConfirmBooking   = "confirm_booking"
	StepNotifyCustomer   = "notify_customer"
)

// Request is the booking payload carried on the saga instance.
type Request struct {
	CorrelationID string  `json:"correlation_id"`
	CustomerID    string  `json:"customer_id"`
	ItemID        string  `json:"item_id"`
	Units         int     `json:"units"`
	Amount        float64 `json:"amount"`
	// InventoryVersion is the version token the customer quoted against. A
	// stale token surfaces as a version conflict, not a generic failure.
	InventoryVersion int64 `json:"inventory_version"`
}

// Validate checks the request fields an inbound caller must supply.
func (r Request) Validate() error {
	if r.CustomerID == "" {
		return errors.New("customer_id is required")
	}
	if r.ItemID == "" {
		return errors.New("item_id is required")
	}
	if r.Units <= 0 {
		return errors.New("units must be > 0")
	}
	if r.Amount < 0 {
		return errors.New("amount must be >= 0")
	}
	return nil
}

func requestFrom(inst *saga.Instance) (Request, error) {
	var req Request
	if err := json.Unmarshal(inst.Payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode booking payload: %w", err)
	}
	return req, nil
}
