// Package reservation is the state machine that moves bookings and their
// slots between available, held, booked, released, expired and cancelled.
//
// Every transition touching one court-day runs inside a short critical
// section keyed by that court-day, so the events a subscriber sees for a slot
// follow the order the lock table and ledger applied them. Nothing that waits
// on an outside party (wallet credit, audit, user notification) runs inside
// that section.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertarktes/court-slot-reservations/internal/bookings"
	"github.com/robertarktes/court-slot-reservations/internal/courts"
	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/ledger"
	"github.com/robertarktes/court-slot-reservations/internal/locktable"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
)

// Wallet receives refund credits. Failures never undo a cancellation.
type Wallet interface {
	Credit(ctx context.Context, userID string, amount int64, bookingID string) error
}

// Notifier tells a user their unpaid booking expired.
type Notifier interface {
	BookingExpired(ctx context.Context, ev domain.BookingExpired) error
}

// Auditor records booking transitions for later inspection.
type Auditor interface {
	Record(ctx context.Context, t Transition) error
}

type Transition struct {
	BookingID string
	UserID    string
	From      domain.Status
	To        domain.Status
	Actor     domain.Actor
	Reason    string
	Refund    *refund.Outcome
	At        time.Time
}

type Deps struct {
	Locks    locktable.Store
	Ledger   ledger.Store
	Bookings bookings.Store
	Courts   courts.Catalog
	Refunds  *refund.Engine
	Events   fanout.Publisher
	Wallet   Wallet
	Notifier Notifier
	Auditor  Auditor
	Clock    clockwork.Clock
	Logger   observability.Logger
}

type Options struct {
	HoldTTL       time.Duration
	PaymentWindow time.Duration
	Location      *time.Location
	// StoreRetryMaxElapsed bounds the exponential backoff applied to record
	// store calls before ErrStoreUnavailable is surfaced.
	StoreRetryMaxElapsed time.Duration
}

func DefaultOptions() Options {
	return Options{
		HoldTTL:              5 * time.Minute,
		PaymentWindow:        5 * time.Minute,
		Location:             time.UTC,
		StoreRetryMaxElapsed: 3 * time.Second,
	}
}

type Engine struct {
	locks    locktable.Store
	ledger   ledger.Store
	bookings bookings.Store
	courts   courts.Catalog
	refunds  *refund.Engine
	events   fanout.Publisher
	wallet   Wallet
	notifier Notifier
	auditor  Auditor
	clock    clockwork.Clock
	logger   observability.Logger
	tracer   trace.Tracer
	opts     Options

	days keyedMutex
}

func New(d Deps, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Refunds == nil {
		d.Refunds = refund.NewEngine(refund.DefaultPolicy())
	}
	return &Engine{
		locks:    d.Locks,
		ledger:   d.Ledger,
		bookings: d.Bookings,
		courts:   d.Courts,
		refunds:  d.Refunds,
		events:   d.Events,
		wallet:   d.Wallet,
		notifier: d.Notifier,
		auditor:  d.Auditor,
		clock:    d.Clock,
		logger:   d.Logger,
		tracer:   otel.Tracer("reservation"),
		opts:     opts,
		days:     keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// holdTTL never lets a hold outlive the payment window it serves.
func (e *Engine) holdTTL() time.Duration {
	if e.opts.HoldTTL > e.opts.PaymentWindow {
		return e.opts.PaymentWindow
	}
	return e.opts.HoldTTL
}

func (e *Engine) pastSlots(slots []domain.SlotIdentity, now time.Time) []domain.SlotIdentity {
	var past []domain.SlotIdentity
	for _, s := range slots {
		if !now.Before(s.StartAt(e.opts.Location)) {
			past = append(past, s)
		}
	}
	return past
}

// retry runs fn with exponential backoff. Not-found and invalid-transition
// errors are returned at once; anything else that survives the retry budget
// is marked ErrStoreUnavailable.
func (e *Engine) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = e.opts.StoreRetryMaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			observability.StoreRetries.Inc()
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrBookingNotFound) || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrSlotUnavailable) {
			return backoff.Permanent(err)
		}
		e.logger.WithError(err).WithField("op", op).Warn("record store call failed, retrying")
		return err
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrBookingNotFound) || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrSlotUnavailable) {
		return err
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrStoreUnavailable)
}

func (e *Engine) getBooking(ctx context.Context, id string) (domain.Booking, error) {
	var b domain.Booking
	err := e.retry(ctx, "get booking", func(ctx context.Context) error {
		var err error
		b, err = e.bookings.Get(ctx, id)
		return err
	})
	return b, err
}

func (e *Engine) saveBooking(ctx context.Context, b domain.Booking, create bool) error {
	if create {
		return e.retry(ctx, "create booking", func(ctx context.Context) error { return e.bookings.Create(ctx, b) })
	}
	return e.retry(ctx, "update booking", func(ctx context.Context) error { return e.bookings.Update(ctx, b) })
}

// Get returns the stored booking.
func (e *Engine) Get(ctx context.Context, id string) (domain.Booking, error) {
	return e.getBooking(ctx, id)
}

func storeErr(err error, op string) error {
	if errors.Is(err, domain.ErrSlotUnavailable) {
		return err
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrStoreUnavailable)
}

func (e *Engine) facilityOf(ctx context.Context, courtID string) string {
	court, err := e.courts.Court(ctx, courtID)
	if err != nil {
		e.logger.WithError(err).WithField("court_id", courtID).Warn("court lookup failed, publishing to court topic only")
		return ""
	}
	return court.FacilityID
}

// publish sends ev to the facility topic and the court-day topic.
func (e *Engine) publish(facilityID string, slot domain.SlotIdentity, ev domain.Event) {
	if e.events == nil {
		return
	}
	if facilityID != "" {
		e.events.Publish(fanout.FacilityTopic(facilityID), ev)
	}
	e.events.Publish(fanout.CourtDayTopic(slot.CourtID, slot.Date), ev)
}

func (e *Engine) record(ctx context.Context, t Transition) {
	observability.BookingTransitions.WithLabelValues(string(t.To)).Inc()
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Record(ctx, t); err != nil {
		e.logger.WithError(err).WithField("booking_id", t.BookingID).Warn("audit record failed")
	}
}

// releaseHolds drops every hold b's session has on b's slots. Holds that
// have since moved to another session are left alone.
func (e *Engine) releaseHolds(ctx context.Context, b domain.Booking) []domain.Hold {
	var released []domain.Hold
	for _, s := range b.Slots {
		h, ok, err := e.locks.Get(ctx, s)
		if err != nil {
			e.logger.WithError(err).WithField("slot", s.String()).Error("lock lookup failed during release")
			continue
		}
		if !ok || h.BookingID != b.ID {
			continue
		}
		if err := e.locks.Release(ctx, s, h.HolderSessionID); err != nil {
			e.logger.WithError(err).WithField("slot", s.String()).Warn("hold release ignored")
			continue
		}
		released = append(released, h)
	}
	return released
}

// restoreHolds puts back holds released by a transition whose store write failed.
func (e *Engine) restoreHolds(ctx context.Context, holds []domain.Hold) {
	for _, h := range holds {
		if _, err := e.locks.Acquire(ctx, h, h.CreatedAt); err != nil {
			e.logger.WithError(err).WithField("slot", h.Slot.String()).Error("hold rollback failed")
		}
	}
}

type keyLock struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes work per court-day without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
