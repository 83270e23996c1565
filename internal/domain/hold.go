package domain

import "time"

// Hold is a time-limited exclusive claim on a slot during checkout.
type Hold struct {
	Slot            SlotIdentity
	HolderSessionID string
	BookingID       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

func NewHold(slot SlotIdentity, holderSessionID, bookingID string, now time.Time, ttl time.Duration) Hold {
	return Hold{
		Slot:            slot,
		HolderSessionID: holderSessionID,
		BookingID:       bookingID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

// Live reports whether the hold still blocks other sessions at now.
func (h Hold) Live(now time.Time) bool {
	return now.Before(h.ExpiresAt)
}
