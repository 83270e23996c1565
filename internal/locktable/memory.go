package locktable

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// MemoryStore is the single-process lock table.
type MemoryStore struct {
	mu   sync.Mutex
	days map[string]map[string]domain.Hold // day key -> range key -> hold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string]map[string]domain.Hold)}
}

func (s *MemoryStore) Acquire(_ context.Context, h domain.Hold, now time.Time) (domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.days[h.Slot.DayKey()]
	if day == nil {
		day = make(map[string]domain.Hold)
		s.days[h.Slot.DayKey()] = day
	}

	key := h.Slot.Range.Key()
	for k, existing := range day {
		if !existing.Slot.Range.Overlaps(h.Slot.Range) || !existing.Live(now) {
			continue
		}
		if k == key && existing.HolderSessionID == h.HolderSessionID {
			return existing, nil
		}
		return domain.Hold{}, errors.Wrapf(domain.ErrHoldConflict, "%s held until %s", existing.Slot, existing.ExpiresAt.Format(time.RFC3339))
	}

	for k, existing := range day {
		if existing.Slot.Range.Overlaps(h.Slot.Range) {
			delete(day, k)
		}
	}
	day[key] = h
	return h, nil
}

func (s *MemoryStore) Release(_ context.Context, slot domain.SlotIdentity, holderSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.days[slot.DayKey()]
	existing, ok := day[slot.Range.Key()]
	if !ok {
		return nil
	}
	if existing.HolderSessionID != holderSessionID {
		return errors.Wrapf(domain.ErrNotOwner, "release %s", slot)
	}
	s.delete(slot)
	return nil
}

func (s *MemoryStore) Renew(_ context.Context, slot domain.SlotIdentity, holderSessionID string, expiresAt, now time.Time) (domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.days[slot.DayKey()]
	existing, ok := day[slot.Range.Key()]
	if !ok || !existing.Live(now) {
		return domain.Hold{}, errors.Wrapf(domain.ErrHoldNotFound, "renew %s", slot)
	}
	if existing.HolderSessionID != holderSessionID {
		return domain.Hold{}, errors.Wrapf(domain.ErrNotOwner, "renew %s", slot)
	}
	existing.ExpiresAt = expiresAt
	day[slot.Range.Key()] = existing
	return existing, nil
}

func (s *MemoryStore) Get(_ context.Context, slot domain.SlotIdentity) (domain.Hold, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.days[slot.DayKey()][slot.Range.Key()]
	return h, ok, nil
}

func (s *MemoryStore) Holds(_ context.Context, courtID string, date domain.Date, now time.Time) ([]domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Hold
	for _, h := range s.days[domain.DayKey(courtID, date)] {
		if h.Live(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Hold
	for _, day := range s.days {
		for _, h := range day {
			if !h.Live(now) {
				out = append(out, h)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ReleaseExpired(_ context.Context, h domain.Hold, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.days[h.Slot.DayKey()][h.Slot.Range.Key()]
	if !ok || existing.HolderSessionID != h.HolderSessionID || existing.BookingID != h.BookingID || existing.Live(now) {
		return false, nil
	}
	s.delete(h.Slot)
	return true, nil
}

func (s *MemoryStore) delete(slot domain.SlotIdentity) {
	day := s.days[slot.DayKey()]
	delete(day, slot.Range.Key())
	if len(day) == 0 {
		delete(s.days, slot.DayKey())
	}
}
