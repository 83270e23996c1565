// Package ledger is the source of truth for confirmed slot occupancy.
package ledger

import (
	"context"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// Entry marks a slot as booked by one booking.
type Entry struct {
	Slot      domain.SlotIdentity
	BookingID string
}

type Store interface {
	// Commit records every slot for bookingID or none of them. Slots already
	// committed by the same booking are accepted; any overlap with another
	// booking yields a *domain.SlotUnavailableError naming each requested slot
	// that conflicts.
	Commit(ctx context.Context, bookingID string, slots []domain.SlotIdentity) error
	// Remove drops the entries bookingID holds for slots. Entries owned by
	// other bookings are left alone.
	Remove(ctx context.Context, bookingID string, slots []domain.SlotIdentity) error
	// Conflicts returns the subset of slots that overlap a booked entry.
	Conflicts(ctx context.Context, slots []domain.SlotIdentity) ([]domain.SlotIdentity, error)
	// Booked lists occupancy for one court-day.
	Booked(ctx context.Context, courtID string, date domain.Date) ([]Entry, error)
}
