package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Steps assembles the booking saga's step chain in execution order.
func Steps(inv InventoryClient, pay PaymentClient, book BookingClient, notify NotifyClient) []saga.Step {
	return []saga.Step{
		&ReserveInventoryStep{Inventory: inv},
		&ChargePaymentStep{Payments: pay},
		&ConfirmBookingStep{Bookings: book},
		&NotifyCustomerStep{Notifier: notify},
	}
}

// ReserveInventoryStep holds the requested units against the item. The write
// is guarded by a version token; on conflict the orchestrator records the
// current token on the step and retries with it.
type ReserveInventoryStep struct {
	Inventory InventoryClient
}

func (s *ReserveInventoryStep) Name() string { return StepReserveInventory }

func (s *ReserveInventoryStep) Execute(ctx context.Context, inst *saga.Instance, key string) saga.StepResult {
	req, err := requestFrom(inst)
	if err != nil {
		return saga.Terminal(err)
	}
	token := req.InventoryVersion
	if rec := inst.StepNamed(StepReserveInventory); rec != nil && rec.ConflictRetries > 0 {
		token = rec.Version
	}
	res, err := s.Inventory.Reserve(ctx, key, req.ItemID, req.Units, token)
	if err != nil {
		return classify(err)
	}
	return saga.Success(res.ReservationID)
}

func (s *ReserveInventoryStep) Compensate(ctx context.Context, inst *saga.Instance) error {
	req, err := requestFrom(inst)
	if err != nil {
		return err
	}
	key := inst.ID + ":release_inventory"
	if err := s.Inventory.Release(ctx, key, req.ItemID, req.Units); err != nil {
		if errors.Is(err, ErrAlreadyReleased) {
			return nil
		}
		return fmt.Errorf("release %d units of %s: %w", req.Units, req.ItemID, err)
	}
	return nil
}

// ChargePaymentStep captures the booking amount. The payment service
// deduplicates on the idempotency key, so a retried capture never double
// charges.
type ChargePaymentStep struct {
	Payments PaymentClient
}

func (s *ChargePaymentStep) Name() string { return StepChargePayment }

func (s *ChargePaymentStep) Execute(ctx context.Context, inst *saga.Instance, key string) saga.StepResult {
	req, err := requestFrom(inst)
	if err != nil {
		return saga.Terminal(err)
	}
	charge, err := s.Payments.Charge(ctx, key, req.CustomerID, req.Amount)
	if err != nil {
		return classify(err)
	}
	return saga.Success(charge.ChargeID)
}

func (s *ChargePaymentStep) Compensate(ctx context.Context, inst *saga.Instance) error {
	key := inst.ID + ":" + StepChargePayment
	if err := s.Payments.Refund(ctx, key); err != nil {
		// Nothing captured, or already refunded: the money is where it
		// should be.
		if errors.Is(err, ErrNotCharged) || errors.Is(err, ErrAlreadyRefunded) {
			return nil
		}
		return fmt.Errorf("refund charge %s: %w", key, err)
	}
	return nil
}

// ConfirmBookingStep finalizes the booking record.
type ConfirmBookingStep struct {
	Bookings BookingClient
}

func (s *ConfirmBookingStep) Name() string { return StepConfirmBooking }

func (s *ConfirmBookingStep) Execute(ctx context.Context, inst *saga.Instance, key string) saga.StepResult {
	req, err := requestFrom(inst)
	if err != nil {
		return saga.Terminal(err)
	}
	conf, err := s.Bookings.Confirm(ctx, key, req.CustomerID, req.ItemID, req.Units)
	if err != nil {
		return classify(err)
	}
	return saga.Success(conf.BookingID)
}

func (s *ConfirmBookingStep) Compensate(ctx context.Context, inst *saga.Instance) error {
	key := inst.ID + ":" + StepConfirmBooking
	if err := s.Bookings.Cancel(ctx, key); err != nil {
		if errors.Is(err, ErrAlreadyCancelled) || errors.Is(err, ErrBookingNotFound) {
			return nil
		}
		return fmt.Errorf("cancel booking %s: %w", key, err)
	}
	return nil
}

// NotifyCustomerStep tells the customer the booking went through. Delivery is
// best effort: a failed notification is logged by the orchestrator's event
// sink but never fails the saga, so this step always reports success and has
// nothing to undo.
type NotifyCustomerStep struct {
	Notifier NotifyClient
}

func (s *NotifyCustomerStep) Name() string { return StepNotifyCustomer }

func (s *NotifyCustomerStep) Execute(ctx context.Context, inst *saga.Instance, key string) saga.StepResult {
	req, err := requestFrom(inst)
	if err != nil {
		return saga.Success("notification skipped: bad payload")
	}
	subject := "Booking confirmed"
	body := fmt.Sprintf("Your booking for %d x %s is confirmed.", req.Units, req.ItemID)
	if err := s.Notifier.Notify(ctx, key, req.CustomerID, subject, body); err != nil {
		return saga.Success("notification failed: " + err.Error())
	}
	return saga.Success("notified")
}

func (s *NotifyCustomerStep) Compensate(context.Context, *saga.Instance) error { return nil }
