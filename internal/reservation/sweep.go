package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

// ReleaseExpiredHolds drops every hold whose TTL passed by now and tells
// subscribers the slot is free again. A hold renewed or replaced since it was
// listed is left in place.
func (e *Engine) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.locks.Expired(ctx, now)
	if err != nil {
		return 0, storeErr(err, "list expired holds")
	}
	facilities := make(map[string]string)
	released := 0
	for _, h := range expired {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		unlock := e.days.Lock(h.Slot.DayKey())
		ok, err := e.locks.ReleaseExpired(ctx, h, now)
		if err == nil && ok {
			facility, seen := facilities[h.Slot.CourtID]
			if !seen {
				facility = e.facilityOf(ctx, h.Slot.CourtID)
				facilities[h.Slot.CourtID] = facility
			}
			e.publish(facility, h.Slot, domain.SlotUnlocked{Slot: h.Slot})
		}
		unlock()

		if err != nil {
			e.logger.WithError(err).WithField("slot", h.Slot.String()).Error("release expired hold failed")
			continue
		}
		if ok {
			released++
			observability.ExpiredHolds.Inc()
		}
	}
	return released, nil
}

// ExpireOverdue auto-cancels every pending booking whose payment window
// closed by now, listing them limit at a time. It stops early only when a
// full batch makes no progress.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	total := 0
	for {
		var overdue []domain.Booking
		err := e.retry(ctx, "list overdue", func(ctx context.Context) error {
			var err error
			overdue, err = e.bookings.ListOverdue(ctx, now, limit)
			return err
		})
		if err != nil {
			return total, err
		}
		n, err := e.expireBatch(ctx, overdue)
		total += n
		if err != nil {
			return total, err
		}
		if limit <= 0 || len(overdue) < limit || n == 0 {
			return total, nil
		}
	}
}

func (e *Engine) expireBatch(ctx context.Context, overdue []domain.Booking) (int, error) {
	n := 0
	for _, b := range overdue {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := e.AutoCancel(ctx, b.ID); err != nil {
			if !errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrInvalidTransition) {
				e.logger.WithError(err).WithField("booking_id", b.ID).Error("auto-cancel failed")
			}
			continue
		}
		n++
	}
	return n, nil
}

// CompleteFinished marks up to limit confirmed bookings whose last slot
// ended by now as completed.
func (e *Engine) CompleteFinished(ctx context.Context, now time.Time, limit int) (int, error) {
	var finished []domain.Booking
	err := e.retry(ctx, "list finished", func(ctx context.Context) error {
		var err error
		finished, err = e.bookings.ListFinished(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range finished {
		if _, err := e.Complete(ctx, b.ID); err != nil {
			if !errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrInvalidTransition) {
				e.logger.WithError(err).WithField("booking_id", b.ID).Error("complete booking failed")
			}
			continue
		}
		n++
	}
	return n, nil
}
