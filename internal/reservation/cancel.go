package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
)

type CancelRequest struct {
	BookingID string
	Reason    string
	Actor     domain.Actor
	// UserID is checked against the booking owner when Actor is a customer.
	UserID string
}

// Cancel moves a pending or confirmed booking to cancelled, frees its slots
// and computes the refund. The wallet is credited after the slots are free;
// a failed credit is logged and does not undo the cancellation.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (domain.Booking, refund.Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.Cancel")
	defer span.End()

	b, err := e.getBooking(ctx, req.BookingID)
	if err != nil {
		return domain.Booking{}, refund.Outcome{}, err
	}
	if req.Actor == domain.ActorCustomer && req.UserID != "" && b.UserID != req.UserID {
		return domain.Booking{}, refund.Outcome{}, errors.Wrapf(domain.ErrNotOwner, "booking %s", b.ID)
	}

	unlock := e.days.Lock(domain.DayKey(b.CourtID, b.Date))
	b, from, outcome, err := e.cancelLocked(ctx, req)
	if err == nil {
		e.publish(b.FacilityID, b.Slots[0], domain.SlotCancelled{Slots: b.Slots, BookingID: b.ID})
	}
	unlock()
	if err != nil {
		return domain.Booking{}, refund.Outcome{}, err
	}

	e.record(ctx, Transition{BookingID: b.ID, UserID: b.UserID, From: from, To: domain.StatusCancelled, Actor: req.Actor, Reason: req.Reason, Refund: &outcome, At: b.UpdatedAt})
	if outcome.RefundAmount > 0 && e.wallet != nil {
		if err := e.wallet.Credit(ctx, b.UserID, outcome.RefundAmount, b.ID); err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"booking_id": b.ID,
				"amount":     outcome.RefundAmount,
			}).Error("wallet credit failed")
		}
	}
	e.logger.WithFields(map[string]interface{}{
		"booking_id": b.ID,
		"actor":      string(req.Actor),
		"refund":     outcome.RefundAmount,
		"reason":     outcome.ReasonCode,
	}).Info("booking cancelled")
	return b, outcome, nil
}

func (e *Engine) cancelLocked(ctx context.Context, req CancelRequest) (domain.Booking, domain.Status, refund.Outcome, error) {
	b, err := e.getBooking(ctx, req.BookingID)
	if err != nil {
		return domain.Booking{}, "", refund.Outcome{}, err
	}
	if b.Terminal() {
		return domain.Booking{}, "", refund.Outcome{}, errors.Wrapf(domain.ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
	}

	now := e.clock.Now()
	outcome := e.refunds.Compute(b, now, req.Actor)
	prev := b.Clone()
	if err := b.Transition(domain.StatusCancelled, now); err != nil {
		return domain.Booking{}, "", refund.Outcome{}, err
	}
	b.MarkCancelled(req.Reason, now)
	if outcome.RefundAmount > 0 {
		b.PaymentStatus = domain.PaymentRefunded
		b.RefundedAmount = outcome.RefundAmount
	}

	var released []domain.Hold
	if prev.Status == domain.StatusPending {
		released = e.releaseHolds(ctx, prev)
	} else if err := e.ledger.Remove(ctx, prev.ID, prev.Slots); err != nil {
		return domain.Booking{}, "", refund.Outcome{}, storeErr(err, "ledger remove")
	}

	if err := e.saveBooking(ctx, b, false); err != nil {
		if prev.Status == domain.StatusPending {
			e.restoreHolds(ctx, released)
		} else if cerr := e.ledger.Commit(ctx, prev.ID, prev.Slots); cerr != nil {
			e.logger.WithError(cerr).WithField("booking_id", prev.ID).Error("ledger rollback failed")
		}
		return domain.Booking{}, "", refund.Outcome{}, err
	}
	return b, prev.Status, outcome, nil
}

// QuoteRefund reports what cancelling now would refund, without cancelling.
func (e *Engine) QuoteRefund(ctx context.Context, bookingID string, actor domain.Actor) (refund.Outcome, error) {
	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return refund.Outcome{}, err
	}
	if b.Terminal() {
		return refund.Outcome{}, errors.Wrapf(domain.ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
	}
	return e.refunds.Compute(b, e.clock.Now(), actor), nil
}

// AutoCancel expires a pending booking whose payment window closed. The
// slots are released, subscribers see them cancelled and the owning user is
// notified.
func (e *Engine) AutoCancel(ctx context.Context, bookingID string) (domain.Booking, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.AutoCancel")
	defer span.End()

	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}

	unlock := e.days.Lock(domain.DayKey(b.CourtID, b.Date))
	b, err = e.getBooking(ctx, bookingID)
	if err == nil {
		now := e.clock.Now()
		switch {
		case b.Terminal():
			err = errors.Wrapf(domain.ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
		case !b.PaymentOverdue(now):
			err = errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s and not overdue", b.ID, b.Status)
		default:
			b, err = e.expireLocked(ctx, b, now)
		}
	}
	unlock()
	if err != nil {
		return domain.Booking{}, err
	}

	e.afterExpiry(ctx, b)
	return b, nil
}

// expireLocked runs under the court-day mutex.
func (e *Engine) expireLocked(ctx context.Context, b domain.Booking, now time.Time) (domain.Booking, error) {
	prev := b.Clone()
	if err := b.Transition(domain.StatusExpired, now); err != nil {
		return domain.Booking{}, err
	}
	b.MarkCancelled(domain.PaymentTimeoutReason, now)

	released := e.releaseHolds(ctx, prev)
	if err := e.saveBooking(ctx, b, false); err != nil {
		e.restoreHolds(ctx, released)
		return domain.Booking{}, err
	}
	e.publish(b.FacilityID, b.Slots[0], domain.SlotCancelled{Slots: b.Slots, BookingID: b.ID})
	return b, nil
}

func (e *Engine) afterExpiry(ctx context.Context, b domain.Booking) {
	e.record(ctx, Transition{BookingID: b.ID, UserID: b.UserID, From: domain.StatusPending, To: domain.StatusExpired, Actor: domain.ActorSystem, Reason: domain.PaymentTimeoutReason, At: b.UpdatedAt})

	ev := domain.BookingExpired{BookingID: b.ID, UserID: b.UserID, Slots: b.Slots}
	if e.events != nil && b.UserID != "" {
		e.events.Publish(fanout.UserTopic(b.UserID), ev)
	}
	if e.notifier != nil {
		if err := e.notifier.BookingExpired(ctx, ev); err != nil {
			e.logger.WithError(err).WithField("booking_id", b.ID).Warn("expiry notification failed")
		}
	}
	e.logger.WithField("booking_id", b.ID).Info("booking expired")
}

// Complete marks a confirmed booking whose last slot has ended.
func (e *Engine) Complete(ctx context.Context, bookingID string) (domain.Booking, error) {
	b, err := e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	unlock := e.days.Lock(domain.DayKey(b.CourtID, b.Date))
	defer unlock()

	b, err = e.getBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	now := e.clock.Now()
	if now.Before(b.EndsAt) {
		return domain.Booking{}, errors.Wrapf(domain.ErrInvalidTransition, "booking %s has not ended", b.ID)
	}
	if err := b.Transition(domain.StatusCompleted, now); err != nil {
		return domain.Booking{}, err
	}
	if err := e.saveBooking(ctx, b, false); err != nil {
		return domain.Booking{}, err
	}
	e.record(ctx, Transition{BookingID: b.ID, UserID: b.UserID, From: domain.StatusConfirmed, To: domain.StatusCompleted, Actor: domain.ActorSystem, Reason: "slot ended", At: now})
	return b, nil
}
