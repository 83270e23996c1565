package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// ConfirmPayment books the held slots once payment succeeded. It requires
// every hold to be live and still owned by the booking's session, and the
// payment deadline not to have passed; otherwise the booking expires and
// ErrHoldExpired is returned. Confirming an already confirmed booking
// returns it unchanged.
func (e *Engine) ConfirmPayment(ctx context.Context, bookingID string) (domain.Booking, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.ConfirmPayment")
	defer span.End()

	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}

	unlock := e.days.Lock(domain.DayKey(b.CourtID, b.Date))
	b, changed, expired, err := e.confirmLocked(ctx, bookingID)
	if err == nil && changed {
		e.publish(b.FacilityID, b.Slots[0], domain.SlotBooked{Slots: b.Slots, BookingID: b.ID})
	}
	unlock()

	if expired {
		e.afterExpiry(ctx, b)
		return domain.Booking{}, errors.Wrapf(domain.ErrHoldExpired, "booking %s", bookingID)
	}
	if err != nil {
		return domain.Booking{}, err
	}
	if changed {
		e.record(ctx, Transition{BookingID: b.ID, UserID: b.UserID, From: domain.StatusPending, To: domain.StatusConfirmed, Actor: domain.ActorCustomer, Reason: "payment confirmed", At: b.UpdatedAt})
		e.logger.WithField("booking_id", b.ID).Info("booking confirmed")
	}
	return b, nil
}

// confirmLocked runs under the court-day mutex. changed is false when the
// booking was already confirmed.
func (e *Engine) confirmLocked(ctx context.Context, bookingID string) (domain.Booking, bool, bool, error) {
	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, false, false, err
	}
	switch {
	case b.Status == domain.StatusConfirmed:
		return b, false, false, nil
	case b.Status == domain.StatusExpired:
		return domain.Booking{}, false, false, errors.Wrapf(domain.ErrHoldExpired, "booking %s", b.ID)
	case b.Terminal():
		return domain.Booking{}, false, false, errors.Wrapf(domain.ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
	case b.Source != domain.SourceOnline:
		return domain.Booking{}, false, false, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is not an online checkout", b.ID)
	}

	now := e.clock.Now()
	intact, err := e.holdsIntact(ctx, b, now)
	if err != nil {
		return domain.Booking{}, false, false, err
	}
	if !intact || b.PaymentOverdue(now) {
		expired, err := e.expireLocked(ctx, b, now)
		if err != nil {
			return domain.Booking{}, false, false, err
		}
		return expired, false, true, nil
	}

	if err := e.ledger.Commit(ctx, b.ID, b.Slots); err != nil {
		// Holds are exclusive, so a ledger conflict here means another
		// instance booked around the lock table.
		e.logger.WithError(err).WithField("booking_id", b.ID).Error("ledger rejected held slots")
		return domain.Booking{}, false, false, storeErr(err, "ledger commit")
	}

	prev := b.Clone()
	if err := b.Transition(domain.StatusConfirmed, now); err != nil {
		e.uncommit(ctx, b)
		return domain.Booking{}, false, false, err
	}
	b.PaymentStatus = domain.PaymentPaid
	if err := e.saveBooking(ctx, b, false); err != nil {
		e.uncommit(ctx, prev)
		return domain.Booking{}, false, false, err
	}
	e.releaseHolds(ctx, b)
	return b, true, false, nil
}

// holdsIntact reports whether every slot of b is still held live by b.
func (e *Engine) holdsIntact(ctx context.Context, b domain.Booking, now time.Time) (bool, error) {
	for _, s := range b.Slots {
		h, ok, err := e.locks.Get(ctx, s)
		if err != nil {
			return false, storeErr(err, "lock lookup")
		}
		if !ok || h.BookingID != b.ID || h.HolderSessionID != b.HolderSessionID || !h.Live(now) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) uncommit(ctx context.Context, b domain.Booking) {
	if err := e.ledger.Remove(ctx, b.ID, b.Slots); err != nil {
		e.logger.WithError(err).WithField("booking_id", b.ID).Error("ledger rollback failed")
	}
}
