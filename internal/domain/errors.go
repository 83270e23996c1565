package domain

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrInvalidInput         = errors.New("invalid input")

	ErrSlotUnavailable   = errors.New("slot unavailable")
	ErrHoldConflict      = errors.New("slot held by another session")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrNotOwner          = errors.New("hold owned by another session")
	ErrHoldExpired       = errors.New("hold expired, please reselect")
	ErrBookingNotFound   = errors.New("booking not found")
	ErrAlreadyTerminal   = errors.New("booking already in a terminal state")
	ErrInvalidTransition = errors.New("invalid booking transition")
	ErrStoreUnavailable  = errors.New("record store unavailable")
	ErrCourtNotFound     = errors.New("court not found")
)

// SlotUnavailableError names every requested slot that could not be claimed.
type SlotUnavailableError struct {
	Slots []SlotIdentity
}

func (e *SlotUnavailableError) Error() string {
	labels := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		labels[i] = s.String()
	}
	return "slot unavailable: " + strings.Join(labels, ", ")
}

func (e *SlotUnavailableError) Is(target error) bool {
	return target == ErrSlotUnavailable
}

func NewSlotUnavailable(slots ...SlotIdentity) *SlotUnavailableError {
	return &SlotUnavailableError{Slots: append([]SlotIdentity(nil), slots...)}
}

// UnavailableSlots extracts the conflicting slots from err, if any.
func UnavailableSlots(err error) []SlotIdentity {
	var sue *SlotUnavailableError
	if errors.As(err, &sue) {
		return sue.Slots
	}
	return nil
}
