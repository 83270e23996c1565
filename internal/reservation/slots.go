package reservation

import (
	"context"
	"time"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotLocked    SlotState = "locked"
	SlotBooked    SlotState = "booked"
	SlotPast      SlotState = "past"
)

type SlotStatus struct {
	Slot        domain.SlotIdentity `json:"slot"`
	State       SlotState           `json:"state"`
	LockedUntil *time.Time          `json:"locked_until,omitempty"`
}

// Slots lists the court's grid for date with the current state of each slot.
// Booked wins over locked, and past wins over both. The view is public, so it
// never names the booking behind a slot.
func (e *Engine) Slots(ctx context.Context, courtID string, date domain.Date) ([]SlotStatus, error) {
	court, err := e.courts.Court(ctx, courtID)
	if err != nil {
		return nil, err
	}
	booked, err := e.ledger.Booked(ctx, courtID, date)
	if err != nil {
		return nil, storeErr(err, "ledger booked")
	}
	now := e.clock.Now()
	holds, err := e.locks.Holds(ctx, courtID, date, now)
	if err != nil {
		return nil, storeErr(err, "lock holds")
	}

	out := make([]SlotStatus, 0, len(court.Grid))
	for _, r := range court.Grid {
		slot := domain.SlotIdentity{CourtID: courtID, Date: date, Range: r}
		st := SlotStatus{Slot: slot, State: SlotAvailable}
		for _, h := range holds {
			if h.Slot.Conflicts(slot) {
				until := h.ExpiresAt
				st.State, st.LockedUntil = SlotLocked, &until
				break
			}
		}
		for _, entry := range booked {
			if entry.Slot.Conflicts(slot) {
				st.State, st.LockedUntil = SlotBooked, nil
				break
			}
		}
		if !now.Before(slot.StartAt(e.opts.Location)) {
			st.State, st.LockedUntil = SlotPast, nil
		}
		out = append(out, st)
	}
	return out, nil
}
