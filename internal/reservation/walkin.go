package reservation

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

const walkInHolderPrefix = "walkin:"

type WalkInRequest struct {
	Slots       []domain.SlotIdentity
	Contact     string
	UserID      string
	TotalAmount int64
	// Actor is the staff member or owner booking at the desk.
	Actor domain.Actor
}

// CreateWalkIn books slots directly for a customer at the desk. Payment
// is taken outside the system, so the booking is created confirmed and paid.
// It claims the slots through the lock table first, so it cannot interleave
// with an online checkout between hold and confirmation.
func (e *Engine) CreateWalkIn(ctx context.Context, req WalkInRequest) (domain.Booking, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.CreateWalkIn")
	defer span.End()

	if !req.Actor.FacilitySide() {
		return domain.Booking{}, errors.Wrapf(domain.ErrInvalidInput, "walk-ins are booked by staff, not %q", req.Actor)
	}
	if strings.TrimSpace(req.Contact) == "" {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "walk-in contact is required")
	}
	if req.TotalAmount < 0 {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "total amount must not be negative")
	}
	if err := domain.ValidateGroup(req.Slots); err != nil {
		return domain.Booking{}, err
	}
	slots := domain.SortSlots(append([]domain.SlotIdentity(nil), req.Slots...))

	court, err := e.courts.Court(ctx, slots[0].CourtID)
	if err != nil {
		return domain.Booking{}, err
	}
	now := e.clock.Now()
	if past := e.pastSlots(slots, now); len(past) > 0 {
		observability.HoldAttempts.WithLabelValues("walk_in", "past").Inc()
		return domain.Booking{}, domain.NewSlotUnavailable(past...)
	}

	b := domain.NewBooking(court.FacilityID, req.UserID, slots, req.TotalAmount, now, e.opts.Location)
	b.Source = domain.SourceWalkIn
	b.Contact = req.Contact
	b.HolderSessionID = walkInHolderPrefix + b.ID
	if err := b.Transition(domain.StatusConfirmed, now); err != nil {
		return domain.Booking{}, err
	}
	b.PaymentStatus = domain.PaymentPaid

	unlock := e.days.Lock(slots[0].DayKey())
	err = e.walkInLocked(ctx, b, now)
	if err == nil {
		e.publish(b.FacilityID, slots[0], domain.SlotBooked{Slots: b.Slots, BookingID: b.ID})
	}
	unlock()

	switch {
	case errors.Is(err, domain.ErrSlotUnavailable):
		observability.HoldAttempts.WithLabelValues("walk_in", "conflict").Inc()
		return domain.Booking{}, err
	case err != nil:
		observability.HoldAttempts.WithLabelValues("walk_in", "error").Inc()
		return domain.Booking{}, err
	}
	observability.HoldAttempts.WithLabelValues("walk_in", "ok").Inc()
	e.record(ctx, Transition{BookingID: b.ID, UserID: b.UserID, To: domain.StatusConfirmed, Actor: req.Actor, Reason: "walk-in", At: now})
	e.logger.WithFields(map[string]interface{}{"booking_id": b.ID, "court_id": b.CourtID, "date": b.Date.String()}).Info("walk-in booked")
	return b, nil
}

func (e *Engine) walkInLocked(ctx context.Context, b domain.Booking, now time.Time) error {
	booked, err := e.ledger.Conflicts(ctx, b.Slots)
	if err != nil {
		return storeErr(err, "ledger conflicts")
	}
	failed := make(map[string]bool, len(b.Slots))
	for _, s := range booked {
		failed[s.Key()] = true
	}

	var acquired []domain.Hold
	defer func() { e.rollbackAcquired(ctx, acquired) }()
	for _, s := range b.Slots {
		if failed[s.Key()] {
			continue
		}
		h, err := e.locks.Acquire(ctx, domain.NewHold(s, b.HolderSessionID, b.ID, now, e.holdTTL()), now)
		switch {
		case errors.Is(err, domain.ErrHoldConflict):
			failed[s.Key()] = true
		case err != nil:
			return storeErr(err, "acquire walk-in lock")
		default:
			acquired = append(acquired, h)
		}
	}
	if len(failed) > 0 {
		var unavailable []domain.SlotIdentity
		for _, s := range b.Slots {
			if failed[s.Key()] {
				unavailable = append(unavailable, s)
			}
		}
		return domain.NewSlotUnavailable(unavailable...)
	}

	if err := e.ledger.Commit(ctx, b.ID, b.Slots); err != nil {
		return storeErr(err, "ledger commit")
	}
	if err := e.saveBooking(ctx, b, true); err != nil {
		e.uncommit(ctx, b)
		return err
	}
	return nil
}
