package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

type EventType string

const (
	EventSlotLocked     EventType = "slot.locked"
	EventSlotUnlocked   EventType = "slot.unlocked"
	EventSlotBooked     EventType = "slot.booked"
	EventSlotCancelled  EventType = "slot.cancelled"
	EventBookingExpired EventType = "booking.expired"
)

// Event is a state change broadcast to availability viewers.
type Event interface {
	EventType() EventType
}

type SlotLocked struct {
	Slot            SlotIdentity `json:"slot"`
	HolderSessionID string       `json:"holder_session_id"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

type SlotUnlocked struct {
	Slot SlotIdentity `json:"slot"`
}

type SlotBooked struct {
	Slots     []SlotIdentity `json:"slots"`
	BookingID string         `json:"booking_id"`
}

type SlotCancelled struct {
	Slots     []SlotIdentity `json:"slots"`
	BookingID string         `json:"booking_id"`
}

// BookingExpired tells the owning user their unpaid booking lapsed.
type BookingExpired struct {
	BookingID string         `json:"booking_id"`
	UserID    string         `json:"user_id"`
	Slots     []SlotIdentity `json:"slots"`
}

func (SlotLocked) EventType() EventType     { return EventSlotLocked }
func (SlotUnlocked) EventType() EventType   { return EventSlotUnlocked }
func (SlotBooked) EventType() EventType     { return EventSlotBooked }
func (SlotCancelled) EventType() EventType  { return EventSlotCancelled }
func (BookingExpired) EventType() EventType { return EventBookingExpired }

// Envelope is the wire form shared by the SSE stream and the broker relay.
type Envelope struct {
	Topic   string          `json:"topic"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeEvent(topic string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Topic: topic, Type: ev.EventType(), Payload: payload})
}

func DecodeEvent(data []byte) (string, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	var ev Event
	switch env.Type {
	case EventSlotLocked:
		var e SlotLocked
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return "", nil, err
		}
		ev = e
	case EventSlotUnlocked:
		var e SlotUnlocked
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return "", nil, err
		}
		ev = e
	case EventSlotBooked:
		var e SlotBooked
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return "", nil, err
		}
		ev = e
	case EventSlotCancelled:
		var e SlotCancelled
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return "", nil, err
		}
		ev = e
	case EventBookingExpired:
		var e BookingExpired
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return "", nil, err
		}
		ev = e
	default:
		return "", nil, errors.Newf("unknown event type %q", env.Type)
	}
	return env.Topic, ev, nil
}
