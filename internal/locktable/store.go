// Package locktable holds short-lived exclusive claims on slots during checkout.
package locktable

import (
	"context"
	"time"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// Store maps slot identities to at most one live hold. Implementations must
// make Acquire a single check-and-set and treat expired holds as free. Every
// method takes now explicitly so that callers own the clock.
type Store interface {
	// Acquire claims h.Slot for h.HolderSessionID. A live overlapping hold
	// under another holder yields domain.ErrHoldConflict. The same holder
	// re-acquiring the identical slot gets the stored hold back unchanged;
	// extending it is Renew's job.
	Acquire(ctx context.Context, h domain.Hold, now time.Time) (domain.Hold, error)
	// Release drops the hold on slot. A missing hold is not an error; a hold
	// owned by another session yields domain.ErrNotOwner.
	Release(ctx context.Context, slot domain.SlotIdentity, holderSessionID string) error
	// Renew moves a live hold's expiry to expiresAt.
	Renew(ctx context.Context, slot domain.SlotIdentity, holderSessionID string, expiresAt, now time.Time) (domain.Hold, error)
	// Get returns the hold stored for exactly slot, live or not.
	Get(ctx context.Context, slot domain.SlotIdentity) (domain.Hold, bool, error)
	// Holds lists live holds for one court-day.
	Holds(ctx context.Context, courtID string, date domain.Date, now time.Time) ([]domain.Hold, error)
	// Expired lists holds whose expiry is at or before now.
	Expired(ctx context.Context, now time.Time) ([]domain.Hold, error)
	// ReleaseExpired removes h only if it is still stored unchanged and expired.
	ReleaseExpired(ctx context.Context, h domain.Hold, now time.Time) (bool, error)
}
