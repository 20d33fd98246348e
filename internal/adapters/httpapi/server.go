// Package httpapi exposes the booking saga service over HTTP/JSON.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/booking"
	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

// Server routes booking requests to the saga service.
type Server struct {
	svc  *booking.Service
	logf func(format string, args ...any)
}

// NewServer constructs a Server over the booking service.
func NewServer(svc *booking.Service, logf func(format string, args ...any)) *Server {
	if logf == nil {
		logf = log.Printf
	}
	return &Server{svc: svc, logf: logf}
}

// Routes registers the API endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sagas", s.handleStart)
	mux.HandleFunc("GET /sagas/{id}", s.handleStatus)
	mux.HandleFunc("POST /sagas/{id}/cancel", s.handleCancel)
	return mux
}

type startResponse struct {
	SagaID string `json:"saga_id"`
}

type stepView struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	ConflictRetries int    `json:"conflict_retries,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

type sagaView struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Steps           []stepView `json:"steps"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.svc.StartBooking(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, saga.ErrDuplicateSaga):
			// The prior submission with this correlation ID won; point the
			// client at it.
			writeJSON(w, http.StatusConflict, startResponse{SagaID: id})
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SagaID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.logf("status %s: %v", r.PathValue("id"), err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.CancelBooking(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, saga.ErrSagaNotFound):
			writeError(w, http.StatusNotFound, "saga not found")
		case errors.Is(err, saga.ErrSagaTerminal):
			writeError(w, http.StatusConflict, "saga already finished")
		default:
			s.logf("cancel %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func viewOf(inst *saga.Instance) sagaView {
	view := sagaView{
		ID:              inst.ID,
		Status:          string(inst.Status),
		CancelRequested: inst.CancelRequested,
		Steps:           make([]stepView, 0, len(inst.Steps)),
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
	for _, step := range inst.Steps {
		view.Steps = append(view.Steps, stepView{
			Name:            step.Name,
			Status:          string(step.Status),
			Attempts:        step.Attempts,
			ConflictRetries: step.ConflictRetries,
			LastError:       step.LastError,
		})
	}
	return view
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
