package bookings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]domain.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]domain.Booking)}
}

func (s *MemoryStore) Create(_ context.Context, b domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[b.ID]; ok {
		return errors.Newf("booking %s already exists", b.ID)
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, b domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[b.ID]; !ok {
		return errors.Wrapf(domain.ErrBookingNotFound, "booking %s", b.ID)
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", id)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return s.list(limit, func(b domain.Booking) bool { return b.PaymentOverdue(now) }, func(b domain.Booking) time.Time { return b.PaymentDueAt })
}

func (s *MemoryStore) ListFinished(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return s.list(limit, func(b domain.Booking) bool {
		return b.Status == domain.StatusConfirmed && !now.Before(b.EndsAt)
	}, func(b domain.Booking) time.Time { return b.EndsAt })
}

func (s *MemoryStore) list(limit int, match func(domain.Booking) bool, order func(domain.Booking) time.Time) ([]domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Booking
	for _, b := range s.bookings {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i]).Before(order(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
