package booking

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Service is the application-facing entry point for booking sagas. Start
// persists the saga and returns immediately; a worker goroutine drives the
// steps so callers never block on downstream services.
type Service struct {
	orch  *saga.Orchestrator
	logf  func(format string, args ...any)
	newID func() string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServiceOptions tunes a Service. Zero values select defaults.
type ServiceOptions struct {
	Logf  func(format string, args ...any)
	NewID func() string
}

// NewService constructs a Service over an orchestrator. The returned service
// owns its worker goroutines; call Close to drain them on shutdown.
func NewService(orch *saga.Orchestrator, opts ServiceOptions) *Service {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:   orch,
		logf:   logf,
		newID:  newID,
		base:   base,
		cancel: cancel,
	}
}

// StartBooking validates and persists a new booking saga, then advances it in
// the background. The correlation ID doubles as the saga ID, so a client
// resubmitting the same request gets saga.ErrDuplicateSaga instead of a second
// booking.
func (s *Service) StartBooking(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := req.CorrelationID
	if id == "" {
		id = s.newID()
		req.CorrelationID = id
	}
	if _, err := s.orch.Start(ctx, id, req); err != nil {
		return id, err
	}
	s.drive(id)
	return id, nil
}

// Status returns a snapshot of the saga.
func (s *Service) Status(ctx context.Context, id string) (*saga.Instance, error) {
	return s.orch.GetStatus(ctx, id)
}

// CancelBooking requests cancellation and nudges the saga so a deferred
// cancel is acted on promptly.
func (s *Service) CancelBooking(ctx context.Context, id string) error {
	if err := s.orch.Cancel(ctx, id); err != nil {
		return err
	}
	s.drive(id)
	return nil
}

// drive advances the saga on a detached context so the work outlives the
// caller's request.
func (s *Service) drive(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.orch.Advance(s.base, id); err != nil {
			s.logf("advance saga %s: %v", id, err)
		}
	}()
}

// Close stops new background work and waits for in-flight workers. Any saga
// interrupted mid-step is picked up later by the sweeper.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
