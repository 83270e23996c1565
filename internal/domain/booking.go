package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type Source string

const (
	SourceOnline Source = "online"
	SourceWalkIn Source = "walk_in"
)

// Actor is the role of whoever drives a transition, as supplied by the session layer.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorOwner    Actor = "owner"
	ActorStaff    Actor = "staff"
	ActorSystem   Actor = "system"
)

func ParseActor(s string) (Actor, error) {
	switch a := Actor(s); a {
	case ActorCustomer, ActorOwner, ActorStaff:
		return a, nil
	}
	return "", errors.Wrapf(ErrInvalidInput, "actor %q", s)
}

// FacilitySide reports whether the actor cancels on behalf of the facility.
func (a Actor) FacilitySide() bool {
	return a == ActorOwner || a == ActorStaff
}

const PaymentTimeoutReason = "payment timeout"

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusExpired},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

type Booking struct {
	ID                 string
	FacilityID         string
	CourtID            string
	UserID             string
	HolderSessionID    string
	Date               Date
	Slots              []SlotIdentity
	Status             Status
	PaymentStatus      PaymentStatus
	Source             Source
	Contact            string
	TotalAmount        int64
	RefundedAmount     int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PaymentDueAt       time.Time
	StartsAt           time.Time
	EndsAt             time.Time
	CancelledAt        *time.Time
	CancellationReason *string
}

// NewBooking builds a booking for a validated slot group. StartsAt and EndsAt
// span the earliest start to the latest end in loc.
func NewBooking(facilityID, userID string, slots []SlotIdentity, total int64, now time.Time, loc *time.Location) Booking {
	slots = SortSlots(append([]SlotIdentity(nil), slots...))
	start := slots[0].StartAt(loc)
	end := slots[0].EndAt(loc)
	for _, s := range slots[1:] {
		if e := s.EndAt(loc); e.After(end) {
			end = e
		}
	}
	return Booking{
		ID:            uuid.NewString(),
		FacilityID:    facilityID,
		CourtID:       slots[0].CourtID,
		UserID:        userID,
		Date:          slots[0].Date,
		Slots:         slots,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Source:        SourceOnline,
		TotalAmount:   total,
		CreatedAt:     now,
		UpdatedAt:     now,
		StartsAt:      start,
		EndsAt:        end,
	}
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired || s == StatusCompleted
}

func (b Booking) Terminal() bool {
	return b.Status.Terminal()
}

// Transition moves the booking to next, rejecting anything the lifecycle does not allow.
func (b *Booking) Transition(next Status, now time.Time) error {
	if b.Status.Terminal() {
		return errors.Wrapf(ErrAlreadyTerminal, "booking %s is %s", b.ID, b.Status)
	}
	for _, allowed := range transitions[b.Status] {
		if allowed == next {
			b.Status = next
			b.UpdatedAt = now
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "booking %s: %s -> %s", b.ID, b.Status, next)
}

// MarkCancelled records the cancellation metadata after a successful transition.
func (b *Booking) MarkCancelled(reason string, now time.Time) {
	at := now
	r := reason
	b.CancelledAt = &at
	b.CancellationReason = &r
}

// PaymentOverdue reports whether a pending booking's payment window has closed.
func (b Booking) PaymentOverdue(now time.Time) bool {
	return b.Status == StatusPending && !b.PaymentDueAt.IsZero() && !now.Before(b.PaymentDueAt)
}

func (b Booking) Clone() Booking {
	c := b
	c.Slots = append([]SlotIdentity(nil), b.Slots...)
	if b.CancelledAt != nil {
		at := *b.CancelledAt
		c.CancelledAt = &at
	}
	if b.CancellationReason != nil {
		r := *b.CancellationReason
		c.CancellationReason = &r
	}
	return c
}
