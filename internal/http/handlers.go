package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
	"github.com/robertarktes/court-slot-reservations/internal/reservation"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Handlers struct {
	engine *reservation.Engine
	hub    *fanout.Hub
	logger observability.Logger
	checks map[string]ReadyCheck
	// heartbeat is the SSE keep-alive interval.
	heartbeat time.Duration
}

func NewHandlers(engine *reservation.Engine, hub *fanout.Hub, logger observability.Logger, checks map[string]ReadyCheck) *Handlers {
	return &Handlers{
		engine:    engine,
		hub:       hub,
		logger:    logger,
		checks:    checks,
		heartbeat: 15 * time.Second,
	}
}

type slotsRequest struct {
	CourtID     string   `json:"court_id"`
	Date        string   `json:"date"`
	Slots       []string `json:"slots"`
	TotalAmount int64    `json:"total_amount"`
}

func (req slotsRequest) identities() ([]domain.SlotIdentity, error) {
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SlotIdentity, 0, len(req.Slots))
	for _, label := range req.Slots {
		r, err := domain.ParseTimeRange(label)
		if err != nil {
			return nil, err
		}
		s, err := domain.NewSlot(req.CourtID, date, r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type bookingResponse struct {
	ID                 string                `json:"id"`
	FacilityID         string                `json:"facility_id"`
	CourtID            string                `json:"court_id"`
	UserID             string                `json:"user_id,omitempty"`
	Date               domain.Date           `json:"date"`
	Slots              []domain.SlotIdentity `json:"slots"`
	Status             domain.Status         `json:"status"`
	PaymentStatus      domain.PaymentStatus  `json:"payment_status"`
	Source             domain.Source         `json:"source"`
	Contact            string                `json:"contact,omitempty"`
	TotalAmount        int64                 `json:"total_amount"`
	RefundedAmount     int64                 `json:"refunded_amount"`
	PaymentDueAt       *time.Time            `json:"payment_due_at,omitempty"`
	StartsAt           time.Time             `json:"starts_at"`
	EndsAt             time.Time             `json:"ends_at"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	CancelledAt        *time.Time            `json:"cancelled_at,omitempty"`
	CancellationReason *string               `json:"cancellation_reason,omitempty"`
}

func toBookingResponse(b domain.Booking) bookingResponse {
	resp := bookingResponse{
		ID:                 b.ID,
		FacilityID:         b.FacilityID,
		CourtID:            b.CourtID,
		UserID:             b.UserID,
		Date:               b.Date,
		Slots:              b.Slots,
		Status:             b.Status,
		PaymentStatus:      b.PaymentStatus,
		Source:             b.Source,
		Contact:            b.Contact,
		TotalAmount:        b.TotalAmount,
		RefundedAmount:     b.RefundedAmount,
		StartsAt:           b.StartsAt,
		EndsAt:             b.EndsAt,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
		CancelledAt:        b.CancelledAt,
		CancellationReason: b.CancellationReason,
	}
	if !b.PaymentDueAt.IsZero() {
		due := b.PaymentDueAt
		resp.PaymentDueAt = &due
	}
	return resp
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	var req slotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, errors.Wrap(domain.ErrInvalidInput, err.Error()))
		return
	}
	slots, err := req.identities()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.engine.BeginHold(r.Context(), reservation.HoldRequest{
		Slots:           slots,
		HolderSessionID: session.ID,
		UserID:          session.UserID,
		TotalAmount:     req.TotalAmount,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

func (h *Handlers) RenewHold(w http.ResponseWriter, r *http.Request) {
	b, expiresAt, err := h.engine.RenewHold(r.Context(), chi.URLParam(r, "id"), sessionFrom(r.Context()).ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"booking":    toBookingResponse(b),
		"expires_at": expiresAt,
	})
}

func (h *Handlers) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.ReleaseHold(r.Context(), chi.URLParam(r, "id"), sessionFrom(r.Context()).ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if s := sessionFrom(r.Context()); s.Actor == domain.ActorCustomer && b.UserID != s.UserID {
		writeError(w, r, h.logger, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", b.ID))
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// ConfirmPayment is called by the payment gateway once a charge succeeded.
func (h *Handlers) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, h.logger, errors.Wrap(domain.ErrInvalidInput, err.Error()))
			return
		}
	}

	b, outcome, err := h.engine.Cancel(r.Context(), reservation.CancelRequest{
		BookingID: chi.URLParam(r, "id"),
		Reason:    req.Reason,
		Actor:     session.Actor,
		UserID:    session.UserID,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Booking bookingResponse `json:"booking"`
		Refund  refund.Outcome  `json:"refund"`
	}{toBookingResponse(b), outcome})
}

func (h *Handlers) RefundQuote(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	if session.Actor == domain.ActorCustomer {
		b, err := h.engine.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if b.UserID != session.UserID {
			writeError(w, r, h.logger, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", id))
			return
		}
	}
	outcome, err := h.engine.QuoteRefund(r.Context(), id, session.Actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handlers) CreateWalkIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		slotsRequest
		Contact string `json:"contact"`
		UserID  string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, errors.Wrap(domain.ErrInvalidInput, err.Error()))
		return
	}
	slots, err := req.identities()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.engine.CreateWalkIn(r.Context(), reservation.WalkInRequest{
		Slots:       slots,
		Contact:     req.Contact,
		UserID:      req.UserID,
		TotalAmount: req.TotalAmount,
		Actor:       sessionFrom(r.Context()).Actor,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

func (h *Handlers) Slots(w http.ResponseWriter, r *http.Request) {
	courtID := chi.URLParam(r, "courtID")
	date, err := domain.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	slots, err := h.engine.Slots(r.Context(), courtID, date)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"court_id": courtID,
		"date":     date,
		"slots":    slots,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

type errorBody struct {
	Error string                `json:"error"`
	Slots []domain.SlotIdentity `json:"slots,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}
	switch {
	case errors.Is(err, domain.ErrSlotUnavailable):
		status = http.StatusConflict
		body.Slots = domain.UnavailableSlots(err)
	case errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSerializationFailure):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrHoldExpired):
		status = http.StatusGone
		body.Error = domain.ErrHoldExpired.Error()
	case errors.Is(err, domain.ErrBookingNotFound),
		errors.Is(err, domain.ErrCourtNotFound),
		errors.Is(err, domain.ErrHoldNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		body.Error = "booking store unavailable, try again"
	}
	if status >= http.StatusInternalServerError && logger != nil {
		loggerFrom(r.Context(), logger).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
