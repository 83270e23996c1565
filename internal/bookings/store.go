// Package bookings is the durable system of record for bookings.
package bookings

import (
	"context"
	"time"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type Store interface {
	Create(ctx context.Context, b domain.Booking) error
	// Update overwrites a stored booking; unknown ids yield domain.ErrBookingNotFound.
	Update(ctx context.Context, b domain.Booking) error
	Get(ctx context.Context, id string) (domain.Booking, error)
	// ListOverdue returns pending bookings whose payment window closed at or before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
	// ListFinished returns confirmed bookings whose last slot ended at or before now.
	ListFinished(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
}
