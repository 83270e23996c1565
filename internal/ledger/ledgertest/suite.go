// Package ledgertest runs the same contract checks against every ledger.Store.
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/ledger"
)

func slot(t *testing.T, court, label string) domain.SlotIdentity {
	t.Helper()
	r, err := domain.ParseTimeRange(label)
	require.NoError(t, err)
	s, err := domain.NewSlot(court, domain.NewDate(2024, time.June, 1), r)
	require.NoError(t, err)
	return s
}

// Run exercises newStore with the ledger contract. newStore must return an
// empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	ctx := context.Background()

	t.Run("commit is all or nothing", func(t *testing.T) {
		s := newStore(t)
		a := slot(t, "C1", "17:00-18:00")
		b := slot(t, "C1", "18:00-19:00")
		c := slot(t, "C1", "19:00-20:00")

		require.NoError(t, s.Commit(ctx, "B1", []domain.SlotIdentity{b}))

		err := s.Commit(ctx, "B2", []domain.SlotIdentity{a, b, c})
		require.ErrorIs(t, err, domain.ErrSlotUnavailable)
		assert.Equal(t, []domain.SlotIdentity{b}, domain.UnavailableSlots(err))

		entries, err := s.Booked(ctx, "C1", a.Date)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "B1", entries[0].BookingID)
	})

	t.Run("overlap across flexible ranges", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, "B1", []domain.SlotIdentity{slot(t, "C1", "17:00-18:30")}))

		conflicts, err := s.Conflicts(ctx, []domain.SlotIdentity{
			slot(t, "C1", "18:00-19:00"),
			slot(t, "C1", "18:30-19:30"),
			slot(t, "C2", "17:00-18:00"),
		})
		require.NoError(t, err)
		assert.Equal(t, []domain.SlotIdentity{slot(t, "C1", "18:00-19:00")}, conflicts)
	})

	t.Run("recommit by owner and scoped remove", func(t *testing.T) {
		s := newStore(t)
		a := slot(t, "C1", "17:00-18:00")

		require.NoError(t, s.Commit(ctx, "B1", []domain.SlotIdentity{a}))
		require.NoError(t, s.Commit(ctx, "B1", []domain.SlotIdentity{a}))

		require.NoError(t, s.Remove(ctx, "B2", []domain.SlotIdentity{a}))
		entries, err := s.Booked(ctx, "C1", a.Date)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		require.NoError(t, s.Remove(ctx, "B1", []domain.SlotIdentity{a}))
		entries, err = s.Booked(ctx, "C1", a.Date)
		require.NoError(t, err)
		assert.Empty(t, entries)

		require.NoError(t, s.Commit(ctx, "B2", []domain.SlotIdentity{a}))
	})

	t.Run("concurrent commits have one winner", func(t *testing.T) {
		s := newStore(t)
		a := slot(t, "C3", "10:00-11:00")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := "B" + string(rune('a'+i))
				if err := s.Commit(ctx, id, []domain.SlotIdentity{a}); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
