// Package locktabletest runs the same contract checks against every locktable.Store.
package locktabletest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/locktable"
)

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func slot(t *testing.T, court, label string) domain.SlotIdentity {
	t.Helper()
	r, err := domain.ParseTimeRange(label)
	require.NoError(t, err)
	s, err := domain.NewSlot(court, domain.NewDate(2024, time.June, 1), r)
	require.NoError(t, err)
	return s
}

// Run exercises newStore with the lock table contract. newStore must return
// an empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) locktable.Store) {
	ctx := context.Background()

	t.Run("acquire conflict and renewal", func(t *testing.T) {
		s := newStore(t)
		s1 := slot(t, "C1", "17:00-18:00")

		h, err := s.Acquire(ctx, domain.NewHold(s1, "sess-a", "B1", base, 5*time.Minute), base)
		require.NoError(t, err)
		assert.Equal(t, "B1", h.BookingID)

		_, err = s.Acquire(ctx, domain.NewHold(s1, "sess-b", "B2", base, 5*time.Minute), base.Add(time.Minute))
		assert.ErrorIs(t, err, domain.ErrHoldConflict)

		overlapping := slot(t, "C1", "17:30-18:30")
		_, err = s.Acquire(ctx, domain.NewHold(overlapping, "sess-b", "B2", base, 5*time.Minute), base.Add(time.Minute))
		assert.ErrorIs(t, err, domain.ErrHoldConflict)

		again, err := s.Acquire(ctx, domain.NewHold(s1, "sess-a", "B9", base.Add(2*time.Minute), 5*time.Minute), base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "B1", again.BookingID, "re-entry keeps the original booking")
		assert.True(t, again.ExpiresAt.Equal(base.Add(5*time.Minute)), "re-entry leaves the expiry alone")

		stored, ok, err := s.Get(ctx, s1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, stored.ExpiresAt.Equal(base.Add(5*time.Minute)))

		adjacent := slot(t, "C1", "18:00-19:00")
		_, err = s.Acquire(ctx, domain.NewHold(adjacent, "sess-b", "B2", base, 5*time.Minute), base)
		assert.NoError(t, err)
	})

	t.Run("expired holds are free", func(t *testing.T) {
		s := newStore(t)
		s1 := slot(t, "C1", "17:00-18:00")

		_, err := s.Acquire(ctx, domain.NewHold(s1, "sess-a", "B1", base, time.Minute), base)
		require.NoError(t, err)

		later := base.Add(time.Minute)
		h, err := s.Acquire(ctx, domain.NewHold(s1, "sess-b", "B2", later, time.Minute), later)
		require.NoError(t, err)
		assert.Equal(t, "sess-b", h.HolderSessionID)

		got, ok, err := s.Get(ctx, s1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "B2", got.BookingID)
	})

	t.Run("release is idempotent and owner checked", func(t *testing.T) {
		s := newStore(t)
		s1 := slot(t, "C1", "17:00-18:00")

		_, err := s.Acquire(ctx, domain.NewHold(s1, "sess-a", "B1", base, time.Minute), base)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Release(ctx, s1, "sess-b"), domain.ErrNotOwner)
		require.NoError(t, s.Release(ctx, s1, "sess-a"))
		require.NoError(t, s.Release(ctx, s1, "sess-a"))

		_, err = s.Acquire(ctx, domain.NewHold(s1, "sess-b", "B2", base, time.Minute), base)
		require.NoError(t, err)
		assert.ErrorIs(t, s.Release(ctx, s1, "sess-a"), domain.ErrNotOwner)

		got, ok, err := s.Get(ctx, s1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "sess-b", got.HolderSessionID, "stale release must not drop the new holder")
	})

	t.Run("renew", func(t *testing.T) {
		s := newStore(t)
		s1 := slot(t, "C1", "17:00-18:00")

		_, err := s.Renew(ctx, s1, "sess-a", base.Add(time.Hour), base)
		assert.ErrorIs(t, err, domain.ErrHoldNotFound)

		_, err = s.Acquire(ctx, domain.NewHold(s1, "sess-a", "B1", base, time.Minute), base)
		require.NoError(t, err)

		_, err = s.Renew(ctx, s1, "sess-b", base.Add(time.Hour), base)
		assert.ErrorIs(t, err, domain.ErrNotOwner)

		h, err := s.Renew(ctx, s1, "sess-a", base.Add(3*time.Minute), base.Add(30*time.Second))
		require.NoError(t, err)
		assert.True(t, h.ExpiresAt.Equal(base.Add(3*time.Minute)))

		_, err = s.Renew(ctx, s1, "sess-a", base.Add(time.Hour), base.Add(3*time.Minute))
		assert.ErrorIs(t, err, domain.ErrHoldNotFound, "expired holds are never silently extended")
	})

	t.Run("holds and expiry sweep", func(t *testing.T) {
		s := newStore(t)
		short := slot(t, "C1", "17:00-18:00")
		long := slot(t, "C1", "18:00-19:00")
		other := slot(t, "C2", "17:00-18:00")

		_, err := s.Acquire(ctx, domain.NewHold(short, "sess-a", "B1", base, time.Minute), base)
		require.NoError(t, err)
		_, err = s.Acquire(ctx, domain.NewHold(long, "sess-a", "B1", base, time.Hour), base)
		require.NoError(t, err)
		_, err = s.Acquire(ctx, domain.NewHold(other, "sess-c", "B3", base, time.Minute), base)
		require.NoError(t, err)

		live, err := s.Holds(ctx, "C1", short.Date, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, long, live[0].Slot)

		expired, err := s.Expired(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Len(t, expired, 2)

		for _, h := range expired {
			ok, err := s.ReleaseExpired(ctx, h, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)
		}
		expired, err = s.Expired(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, expired)

		ok, err := s.ReleaseExpired(ctx, domain.Hold{Slot: long, HolderSessionID: "sess-a", BookingID: "B1"}, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "live holds survive the sweep")
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		s := newStore(t)
		s1 := slot(t, "C1", "17:00-18:00")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				holder := "sess-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
				if _, err := s.Acquire(ctx, domain.NewHold(s1, holder, holder, base, time.Minute), base); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
