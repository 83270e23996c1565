package rabbit

import (
	"context"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v interface{}) error
}

// Notifier hands expiry notices to the delivery service over the events exchange.
type Notifier struct {
	pub JSONPublisher
}

func NewNotifier(pub JSONPublisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) BookingExpired(ctx context.Context, ev domain.BookingExpired) error {
	return n.pub.PublishJSON(ctx, string(domain.EventBookingExpired), ev)
}
