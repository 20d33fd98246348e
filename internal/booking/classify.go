package booking

import (
	"errors"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// classify maps a collaborator error onto a step result. Version conflicts
// come first so a conflict is never mistaken for a transient blip; known
// business rejections are terminal; everything else, timeouts included, is
// assumed transient and retried.
func classify(err error) saga.StepResult {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return saga.Conflict(conflict.CurrentVersion)
	}
	switch {
	case errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrBookingNotFound):
		return saga.Terminal(err)
	default:
		// Timeouts and context cancellation land here too: a shutdown
		// mid-step must look transient so the sweeper can resume it.
		return saga.Transient(err)
	}
}
