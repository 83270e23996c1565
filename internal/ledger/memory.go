package ledger

import (
	"context"
	"sync"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type MemoryStore struct {
	mu   sync.RWMutex
	days map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string][]Entry)}
}

func (s *MemoryStore) Commit(_ context.Context, bookingID string, slots []domain.SlotIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass validates everything so a conflict leaves no partial write.
	var conflicts []domain.SlotIdentity
	var fresh []domain.SlotIdentity
	for _, slot := range slots {
		owned := false
		blocked := false
		for _, e := range s.days[slot.DayKey()] {
			if !e.Slot.Conflicts(slot) {
				continue
			}
			if e.BookingID == bookingID && e.Slot == slot {
				owned = true
				continue
			}
			blocked = true
		}
		switch {
		case blocked:
			conflicts = append(conflicts, slot)
		case !owned:
			fresh = append(fresh, slot)
		}
	}
	if len(conflicts) > 0 {
		return domain.NewSlotUnavailable(conflicts...)
	}

	for _, slot := range fresh {
		s.days[slot.DayKey()] = append(s.days[slot.DayKey()], Entry{Slot: slot, BookingID: bookingID})
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, bookingID string, slots []domain.SlotIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slot := range slots {
		entries := s.days[slot.DayKey()]
		kept := entries[:0]
		for _, e := range entries {
			if e.BookingID == bookingID && e.Slot == slot {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.days, slot.DayKey())
			continue
		}
		s.days[slot.DayKey()] = kept
	}
	return nil
}

func (s *MemoryStore) Conflicts(_ context.Context, slots []domain.SlotIdentity) ([]domain.SlotIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SlotIdentity
	for _, slot := range slots {
		for _, e := range s.days[slot.DayKey()] {
			if e.Slot.Conflicts(slot) {
				out = append(out, slot)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Booked(_ context.Context, courtID string, date domain.Date) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Entry(nil), s.days[domain.DayKey(courtID, date)]...), nil
}
