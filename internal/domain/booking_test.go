package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingTransitions(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	slots := []SlotIdentity{
		mustSlot(t, "C1", "2024-06-01", "18:00-19:00"),
		mustSlot(t, "C1", "2024-06-01", "17:00-18:00"),
	}

	b := NewBooking("F1", "U1", slots, 200000, now, time.UTC)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, "17:00-18:00", b.Slots[0].Range.Label())
	assert.Equal(t, time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC), b.StartsAt)
	assert.Equal(t, time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC), b.EndsAt)

	require.NoError(t, b.Transition(StatusConfirmed, now))
	assert.ErrorIs(t, b.Transition(StatusExpired, now), ErrInvalidTransition)
	require.NoError(t, b.Transition(StatusCompleted, now))
	assert.ErrorIs(t, b.Transition(StatusCancelled, now), ErrAlreadyTerminal)
}

func TestBookingNeverReturnsToPending(t *testing.T) {
	now := time.Now()
	b := NewBooking("F1", "U1", []SlotIdentity{mustSlot(t, "C1", "2024-06-01", "17:00-18:00")}, 100, now, time.UTC)
	require.NoError(t, b.Transition(StatusConfirmed, now))
	assert.ErrorIs(t, b.Transition(StatusPending, now), ErrInvalidTransition)
}

func TestPaymentOverdue(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	b := NewBooking("F1", "U1", []SlotIdentity{mustSlot(t, "C1", "2024-06-01", "17:00-18:00")}, 100, now, time.UTC)
	b.PaymentDueAt = now.Add(5 * time.Minute)

	assert.False(t, b.PaymentOverdue(now.Add(4*time.Minute)))
	assert.True(t, b.PaymentOverdue(now.Add(5*time.Minute)))

	b.Status = StatusConfirmed
	assert.False(t, b.PaymentOverdue(now.Add(time.Hour)))
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	s := mustSlot(t, "C1", "2024-06-01", "17:00-18:00")
	data, err := EncodeEvent("court:C1:2024-06-01", SlotBooked{Slots: []SlotIdentity{s}, BookingID: "B1"})
	require.NoError(t, err)

	topic, ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "court:C1:2024-06-01", topic)
	assert.Equal(t, SlotBooked{Slots: []SlotIdentity{s}, BookingID: "B1"}, ev)
}
