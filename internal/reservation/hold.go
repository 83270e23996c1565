package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

type HoldRequest struct {
	Slots           []domain.SlotIdentity
	HolderSessionID string
	UserID          string
	TotalAmount     int64
}

// BeginHold places holds on every requested slot for one checkout session
// and creates the pending booking they belong to. Either every slot is held
// or none is; a failure names every slot that could not be held.
//
// A session repeating an identical request while its booking is still
// pending gets that booking back with renewed holds, never past its payment
// deadline. A request that fails leaves existing holds untouched.
func (e *Engine) BeginHold(ctx context.Context, req HoldRequest) (domain.Booking, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.BeginHold")
	defer span.End()

	if req.HolderSessionID == "" {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "holder session id is required")
	}
	if req.TotalAmount < 0 {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "total amount must not be negative")
	}
	if err := domain.ValidateGroup(req.Slots); err != nil {
		return domain.Booking{}, err
	}
	slots := domain.SortSlots(append([]domain.SlotIdentity(nil), req.Slots...))
	span.SetAttributes(
		attribute.String("court_id", slots[0].CourtID),
		attribute.String("date", slots[0].Date.String()),
		attribute.Int("slots", len(slots)),
	)

	court, err := e.courts.Court(ctx, slots[0].CourtID)
	if err != nil {
		return domain.Booking{}, err
	}

	now := e.clock.Now()
	if past := e.pastSlots(slots, now); len(past) > 0 {
		observability.HoldAttempts.WithLabelValues("online", "past").Inc()
		return domain.Booking{}, domain.NewSlotUnavailable(past...)
	}

	unlock := e.days.Lock(slots[0].DayKey())
	booking, holds, reused, err := e.beginHoldLocked(ctx, req, slots, court.FacilityID, now)
	if err == nil {
		for _, h := range holds {
			e.publish(booking.FacilityID, h.Slot, domain.SlotLocked{Slot: h.Slot, HolderSessionID: h.HolderSessionID, ExpiresAt: h.ExpiresAt})
		}
	}
	unlock()

	switch {
	case errors.Is(err, domain.ErrSlotUnavailable):
		observability.HoldAttempts.WithLabelValues("online", "conflict").Inc()
		return domain.Booking{}, err
	case err != nil:
		observability.HoldAttempts.WithLabelValues("online", "error").Inc()
		return domain.Booking{}, err
	}

	observability.HoldAttempts.WithLabelValues("online", "ok").Inc()
	if !reused {
		e.record(ctx, Transition{BookingID: booking.ID, UserID: booking.UserID, To: domain.StatusPending, Actor: domain.ActorCustomer, Reason: "hold", At: now})
	}
	e.logger.WithFields(map[string]interface{}{
		"booking_id": booking.ID,
		"court_id":   booking.CourtID,
		"date":       booking.Date.String(),
		"slots":      len(booking.Slots),
		"reused":     reused,
	}).Info("slots held")
	return booking, nil
}

func (e *Engine) beginHoldLocked(ctx context.Context, req HoldRequest, slots []domain.SlotIdentity, facilityID string, now time.Time) (domain.Booking, []domain.Hold, bool, error) {
	booked, err := e.ledger.Conflicts(ctx, slots)
	if err != nil {
		return domain.Booking{}, nil, false, storeErr(err, "ledger conflicts")
	}
	failed := make(map[string]bool, len(slots))
	for _, s := range booked {
		failed[s.Key()] = true
	}

	booking := domain.NewBooking(facilityID, req.UserID, slots, req.TotalAmount, now, e.opts.Location)
	booking.HolderSessionID = req.HolderSessionID
	booking.PaymentDueAt = now.Add(e.opts.PaymentWindow)

	var acquired, owned []domain.Hold
	for _, s := range slots {
		if failed[s.Key()] {
			continue
		}
		h, err := e.locks.Acquire(ctx, domain.NewHold(s, req.HolderSessionID, booking.ID, now, e.holdTTL()), now)
		switch {
		case errors.Is(err, domain.ErrHoldConflict):
			failed[s.Key()] = true
		case err != nil:
			e.rollbackAcquired(ctx, acquired)
			return domain.Booking{}, nil, false, storeErr(err, "acquire hold")
		case h.BookingID == booking.ID:
			acquired = append(acquired, h)
		default:
			owned = append(owned, h)
		}
	}

	if len(failed) == 0 && len(acquired) == 0 && len(owned) > 0 {
		if existing, ok := e.reenter(ctx, owned, slots, req.HolderSessionID, now); ok {
			holds, err := e.renewLocked(ctx, existing, e.holdExpiry(existing, now), now)
			if err != nil {
				return domain.Booking{}, nil, false, err
			}
			return existing, holds, true, nil
		}
	}
	for _, h := range owned {
		failed[h.Slot.Key()] = true
	}
	if len(failed) > 0 {
		e.rollbackAcquired(ctx, acquired)
		var unavailable []domain.SlotIdentity
		for _, s := range slots {
			if failed[s.Key()] {
				unavailable = append(unavailable, s)
			}
		}
		return domain.Booking{}, nil, false, domain.NewSlotUnavailable(unavailable...)
	}

	if err := e.saveBooking(ctx, booking, true); err != nil {
		e.rollbackAcquired(ctx, acquired)
		return domain.Booking{}, nil, false, err
	}
	return booking, acquired, false, nil
}

// reenter resolves a repeat request from a session that already holds every
// slot under one pending booking for exactly the same slot set.
func (e *Engine) reenter(ctx context.Context, owned []domain.Hold, slots []domain.SlotIdentity, session string, now time.Time) (domain.Booking, bool) {
	id := owned[0].BookingID
	for _, h := range owned[1:] {
		if h.BookingID != id {
			return domain.Booking{}, false
		}
	}
	existing, err := e.getBooking(ctx, id)
	if err != nil {
		e.logger.WithError(err).WithField("booking_id", id).Warn("re-entered hold has no readable booking")
		return domain.Booking{}, false
	}
	if existing.Status != domain.StatusPending || existing.HolderSessionID != session ||
		existing.PaymentOverdue(now) || !domain.SameSlots(existing.Slots, slots) {
		return domain.Booking{}, false
	}
	return existing, true
}

func (e *Engine) rollbackAcquired(ctx context.Context, holds []domain.Hold) {
	for _, h := range holds {
		if err := e.locks.Release(ctx, h.Slot, h.HolderSessionID); err != nil {
			e.logger.WithError(err).WithField("slot", h.Slot.String()).Error("hold rollback failed")
		}
	}
}

// RenewHold extends the holds of a pending booking. The new expiry never
// passes the booking's payment deadline, and holds that already lapsed are
// not revived.
func (e *Engine) RenewHold(ctx context.Context, bookingID, holderSessionID string) (domain.Booking, time.Time, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.RenewHold")
	defer span.End()

	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, time.Time{}, err
	}
	if b.HolderSessionID != holderSessionID {
		return domain.Booking{}, time.Time{}, errors.Wrapf(domain.ErrNotOwner, "booking %s", bookingID)
	}
	if b.Terminal() {
		return domain.Booking{}, time.Time{}, errors.Wrapf(domain.ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
	}
	if b.Status != domain.StatusPending {
		return domain.Booking{}, time.Time{}, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}

	now := e.clock.Now()
	if b.PaymentOverdue(now) {
		return domain.Booking{}, time.Time{}, errors.Wrapf(domain.ErrHoldExpired, "booking %s payment window closed", b.ID)
	}
	expiresAt := e.holdExpiry(b, now)

	unlock := e.days.Lock(domain.DayKey(b.CourtID, b.Date))
	defer unlock()
	renewed, err := e.renewLocked(ctx, b, expiresAt, now)
	if err != nil {
		return domain.Booking{}, time.Time{}, err
	}
	for _, h := range renewed {
		e.publish(b.FacilityID, h.Slot, domain.SlotLocked{Slot: h.Slot, HolderSessionID: h.HolderSessionID, ExpiresAt: h.ExpiresAt})
	}
	return b, expiresAt, nil
}

// holdExpiry is a fresh hold lifetime from now, capped at b's payment deadline.
func (e *Engine) holdExpiry(b domain.Booking, now time.Time) time.Time {
	expiresAt := now.Add(e.holdTTL())
	if expiresAt.After(b.PaymentDueAt) {
		return b.PaymentDueAt
	}
	return expiresAt
}

// renewLocked moves every hold of b to expiresAt. It runs under the
// court-day mutex.
func (e *Engine) renewLocked(ctx context.Context, b domain.Booking, expiresAt, now time.Time) ([]domain.Hold, error) {
	renewed := make([]domain.Hold, 0, len(b.Slots))
	for _, s := range b.Slots {
		h, err := e.locks.Renew(ctx, s, b.HolderSessionID, expiresAt, now)
		switch {
		case errors.Is(err, domain.ErrHoldNotFound), errors.Is(err, domain.ErrNotOwner):
			return nil, errors.Wrapf(domain.ErrHoldExpired, "booking %s: %v", b.ID, err)
		case err != nil:
			return nil, storeErr(err, "renew hold")
		}
		renewed = append(renewed, h)
	}
	return renewed, nil
}

// ReleaseHold abandons a checkout: the pending booking is cancelled without
// a refund and its slots become available at once. A caller that does not own
// the booking changes nothing.
func (e *Engine) ReleaseHold(ctx context.Context, bookingID, holderSessionID string) (domain.Booking, error) {
	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.HolderSessionID != holderSessionID {
		e.logger.WithFields(map[string]interface{}{"booking_id": bookingID, "session": holderSessionID}).Warn("release by non-owner ignored")
		return domain.Booking{}, errors.Wrapf(domain.ErrNotOwner, "booking %s", bookingID)
	}
	if b.Status != domain.StatusPending {
		if b.Terminal() {
			return b, nil
		}
		return domain.Booking{}, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	b, _, err = e.Cancel(ctx, CancelRequest{BookingID: bookingID, Reason: "released by customer", Actor: domain.ActorCustomer})
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		return e.getBooking(ctx, bookingID)
	}
	return b, err
}
