package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	redisadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/redis"
	"github.com/robertarktes/court-slot-reservations/internal/bookings"
	"github.com/robertarktes/court-slot-reservations/internal/courts"
	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/ledger"
	"github.com/robertarktes/court-slot-reservations/internal/locktable"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
)

var june1 = domain.NewDate(2024, time.June, 1)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fakeWallet struct {
	mu      sync.Mutex
	credits map[string]int64
	err     error
}

func (w *fakeWallet) Credit(_ context.Context, _ string, amount int64, bookingID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.credits[bookingID] += amount
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	expired []domain.BookingExpired
}

func (n *fakeNotifier) BookingExpired(_ context.Context, ev domain.BookingExpired) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, ev)
	return nil
}

// flakyBookings fails writes while failing is set.
type flakyBookings struct {
	bookings.Store
	mu      sync.Mutex
	failing bool
}

func (f *flakyBookings) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyBookings) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyBookings) Create(ctx context.Context, b domain.Booking) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Store.Create(ctx, b)
}

func (f *flakyBookings) Update(ctx context.Context, b domain.Booking) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Store.Update(ctx, b)
}

type fixture struct {
	engine   *Engine
	clock    fakeClock
	locks    locktable.Store
	ledger   *ledger.MemoryStore
	bookings *flakyBookings
	hub      *fanout.Hub
	wallet   *fakeWallet
	notifier *fakeNotifier
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	return newFixtureWithLocks(t, now, locktable.NewMemoryStore())
}

func newFixtureWithLocks(t *testing.T, now time.Time, locks locktable.Store) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	logger := observability.NewLoggerFrom(log)

	f := &fixture{
		clock:    clockwork.NewFakeClockAt(now),
		locks:    locks,
		ledger:   ledger.NewMemoryStore(),
		bookings: &flakyBookings{Store: bookings.NewMemoryStore()},
		hub:      fanout.NewHub(64, logger),
		wallet:   &fakeWallet{credits: make(map[string]int64)},
		notifier: &fakeNotifier{},
	}
	t.Cleanup(f.hub.Close)

	catalog := courts.NewStaticCatalog(courts.Court{ID: "C1", FacilityID: "F1", Name: "Court 1", Grid: courts.HourlyGrid(7, 23)})
	opts := DefaultOptions()
	opts.StoreRetryMaxElapsed = 50 * time.Millisecond
	f.engine = New(Deps{
		Locks:    f.locks,
		Ledger:   f.ledger,
		Bookings: f.bookings,
		Courts:   catalog,
		Refunds:  refund.NewEngine(refund.DefaultPolicy()),
		Events:   f.hub,
		Wallet:   f.wallet,
		Notifier: f.notifier,
		Clock:    f.clock,
		Logger:   logger,
	}, opts)
	return f
}

func slot(t *testing.T, date domain.Date, label string) domain.SlotIdentity {
	t.Helper()
	r, err := domain.ParseTimeRange(label)
	require.NoError(t, err)
	s, err := domain.NewSlot("C1", date, r)
	require.NoError(t, err)
	return s
}

func (f *fixture) hold(t *testing.T, session string, slots ...domain.SlotIdentity) domain.Booking {
	t.Helper()
	b, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: slots, HolderSessionID: session, UserID: "U-" + session, TotalAmount: 200000})
	require.NoError(t, err)
	return b
}

func stateOf(t *testing.T, f *fixture, s domain.SlotIdentity) SlotState {
	t.Helper()
	statuses, err := f.engine.Slots(context.Background(), s.CourtID, s.Date)
	require.NoError(t, err)
	for _, st := range statuses {
		if st.Slot.Range == s.Range {
			return st.State
		}
	}
	t.Fatalf("slot %s not in grid", s)
	return ""
}

func TestBeginHold_HoldsAllSlotsAndCreatesPendingBooking(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	sub := f.hub.Subscribe(fanout.CourtDayTopic("C1", june1))
	a, b := slot(t, june1, "17:00-18:00"), slot(t, june1, "18:00-19:00")

	booking := f.hold(t, "S1", b, a)

	assert.Equal(t, domain.StatusPending, booking.Status)
	assert.Equal(t, []domain.SlotIdentity{a, b}, booking.Slots)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), booking.PaymentDueAt)
	assert.Equal(t, SlotLocked, stateOf(t, f, a))
	assert.Equal(t, SlotLocked, stateOf(t, f, b))

	for _, want := range []domain.SlotIdentity{a, b} {
		ev := (<-sub.Events()).(domain.SlotLocked)
		assert.Equal(t, want, ev.Slot)
		assert.Equal(t, "S1", ev.HolderSessionID)
	}
}

func TestBeginHold_ConcurrentSessionsExactlyOneWins(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	target := slot(t, june1, "17:00-18:00")

	const sessions = 16
	var (
		mu      sync.Mutex
		winners []string
		losers  []error
	)
	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		session := string(rune('A' + i))
		g.Go(func() error {
			_, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: []domain.SlotIdentity{target}, HolderSessionID: session})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers = append(losers, err)
			} else {
				winners = append(winners, session)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, winners, 1)
	require.Len(t, losers, sessions-1)
	for _, err := range losers {
		assert.True(t, errors.Is(err, domain.ErrSlotUnavailable))
		assert.Equal(t, []domain.SlotIdentity{target}, domain.UnavailableSlots(err))
	}
}

func TestBeginHold_PartialConflictHoldsNothing(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	a, b, c := slot(t, june1, "16:00-17:00"), slot(t, june1, "17:00-18:00"), slot(t, june1, "18:00-19:00")
	f.hold(t, "S1", b)

	_, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: []domain.SlotIdentity{a, b, c}, HolderSessionID: "S2"})
	require.Error(t, err)
	assert.Equal(t, []domain.SlotIdentity{b}, domain.UnavailableSlots(err))

	assert.Equal(t, SlotAvailable, stateOf(t, f, a))
	assert.Equal(t, SlotAvailable, stateOf(t, f, c))
}

func TestBeginHold_OverlappingRangeConflicts(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	f.hold(t, "S1", slot(t, june1, "17:00-18:00"))

	_, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: []domain.SlotIdentity{slot(t, june1, "17:30-18:30")}, HolderSessionID: "S2"})
	assert.True(t, errors.Is(err, domain.ErrSlotUnavailable))
}

func TestBeginHold_RejectsPastSlotsAndBadInput(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := f.engine.BeginHold(ctx, HoldRequest{Slots: []domain.SlotIdentity{slot(t, june1, "17:00-18:00")}, HolderSessionID: "S1"})
	assert.True(t, errors.Is(err, domain.ErrSlotUnavailable))

	_, err = f.engine.BeginHold(ctx, HoldRequest{Slots: []domain.SlotIdentity{slot(t, june1, "19:00-20:00")}})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = f.engine.BeginHold(ctx, HoldRequest{HolderSessionID: "S1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	other := domain.SlotIdentity{CourtID: "C9", Date: june1, Range: domain.TimeRange{StartMinute: 19 * 60, DurationMinutes: 60}}
	_, err = f.engine.BeginHold(ctx, HoldRequest{Slots: []domain.SlotIdentity{other}, HolderSessionID: "S1"})
	assert.True(t, errors.Is(err, domain.ErrCourtNotFound))
}

func TestBeginHold_SameSessionRepeatReturnsExistingBooking(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	first := f.hold(t, "S1", s)

	f.clock.Advance(time.Minute)
	again := f.hold(t, "S1", s)
	assert.Equal(t, first.ID, again.ID)

	_, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: []domain.SlotIdentity{s, slot(t, june1, "18:00-19:00")}, HolderSessionID: "S1"})
	assert.True(t, errors.Is(err, domain.ErrSlotUnavailable))
}

func TestBeginHold_FailedRepeatLeavesHoldUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	a, b := slot(t, june1, "17:00-18:00"), slot(t, june1, "18:00-19:00")
	first := f.hold(t, "S1", a)

	f.clock.Advance(4 * time.Minute)
	_, err := f.engine.BeginHold(ctx, HoldRequest{Slots: []domain.SlotIdentity{a, b}, HolderSessionID: "S1"})
	require.True(t, errors.Is(err, domain.ErrSlotUnavailable))
	assert.Equal(t, []domain.SlotIdentity{a}, domain.UnavailableSlots(err))

	h, ok, err := f.locks.Get(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.ExpiresAt.Equal(first.PaymentDueAt), "expiry moved to %s", h.ExpiresAt)
	assert.Equal(t, SlotAvailable, stateOf(t, f, b))
}

func TestBeginHold_RepeatNeverOutlivesPaymentDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	first := f.hold(t, "S1", s)
	sub := f.hub.Subscribe(fanout.CourtDayTopic("C1", june1))

	f.clock.Advance(4 * time.Minute)
	again := f.hold(t, "S1", s)
	assert.Equal(t, first.ID, again.ID)

	h, ok, err := f.locks.Get(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.ExpiresAt.Equal(first.PaymentDueAt), "expiry %s past payment deadline %s", h.ExpiresAt, first.PaymentDueAt)

	ev := (<-sub.Events()).(domain.SlotLocked)
	assert.True(t, ev.ExpiresAt.Equal(first.PaymentDueAt))
}

func TestBeginHold_RepeatRenewsShortHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	opts := DefaultOptions()
	opts.HoldTTL = 2 * time.Minute
	opts.PaymentWindow = 5 * time.Minute
	f.engine.opts = opts
	s := slot(t, june1, "17:00-18:00")
	f.hold(t, "S1", s)

	f.clock.Advance(time.Minute)
	f.hold(t, "S1", s)

	h, ok, err := f.locks.Get(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.ExpiresAt.Equal(f.clock.Now().Add(2*time.Minute)))
}

func TestBeginHold_StoreFailureRollsBackHolds(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")

	f.bookings.setFailing(true)
	_, err := f.engine.BeginHold(context.Background(), HoldRequest{Slots: []domain.SlotIdentity{s}, HolderSessionID: "S1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	_, held, err := f.locks.Get(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, held)

	f.bookings.setFailing(false)
	f.hold(t, "S2", s)
}

func TestHoldExpiresWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)
	user := f.hub.Subscribe(fanout.UserTopic(booking.UserID))
	court := f.hub.Subscribe(fanout.CourtDayTopic("C1", june1))

	f.clock.Advance(5*time.Minute + time.Second)
	released, err := f.engine.ReleaseExpiredHolds(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	expired, err := f.engine.ExpireOverdue(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := f.engine.Get(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, domain.PaymentTimeoutReason, *got.CancellationReason)
	assert.Equal(t, SlotAvailable, stateOf(t, f, s))

	assert.Equal(t, domain.SlotUnlocked{Slot: s}, <-court.Events())
	assert.Equal(t, domain.SlotCancelled{Slots: []domain.SlotIdentity{s}, BookingID: booking.ID}, <-court.Events())
	assert.Equal(t, booking.ID, (<-user.Events()).(domain.BookingExpired).BookingID)
	assert.Len(t, f.notifier.expired, 1)
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)
	sub := f.hub.Subscribe(fanout.FacilityTopic("F1"))

	f.clock.Advance(2 * time.Minute)
	confirmed, err := f.engine.ConfirmPayment(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	assert.Equal(t, domain.PaymentPaid, confirmed.PaymentStatus)
	assert.Equal(t, SlotBooked, stateOf(t, f, s))
	assert.Equal(t, domain.SlotBooked{Slots: []domain.SlotIdentity{s}, BookingID: booking.ID}, <-sub.Events())

	_, held, err := f.locks.Get(ctx, s)
	require.NoError(t, err)
	assert.False(t, held)

	again, err := f.engine.ConfirmPayment(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, confirmed.UpdatedAt, again.UpdatedAt)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestConfirmPayment_AfterHoldExpiredFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)

	f.clock.Advance(6 * time.Minute)
	_, err := f.engine.ConfirmPayment(ctx, booking.ID)
	assert.True(t, errors.Is(err, domain.ErrHoldExpired))

	got, err := f.engine.Get(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, SlotAvailable, stateOf(t, f, s))

	_, err = f.engine.ConfirmPayment(ctx, booking.ID)
	assert.True(t, errors.Is(err, domain.ErrHoldExpired))
}

func TestConfirmPayment_LostHoldToAnotherSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	opts := DefaultOptions()
	opts.HoldTTL = time.Minute
	opts.PaymentWindow = 10 * time.Minute
	f.engine.opts = opts

	s := slot(t, june1, "17:00-18:00")
	first := f.hold(t, "S1", s)
	f.clock.Advance(2 * time.Minute)
	second := f.hold(t, "S2", s)

	_, err := f.engine.ConfirmPayment(ctx, first.ID)
	assert.True(t, errors.Is(err, domain.ErrHoldExpired))

	confirmed, err := f.engine.ConfirmPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
}

func TestConfirmPayment_StoreFailureLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)

	f.bookings.setFailing(true)
	_, err := f.engine.ConfirmPayment(ctx, booking.ID)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.Equal(t, SlotLocked, stateOf(t, f, s))

	f.bookings.setFailing(false)
	_, err = f.engine.ConfirmPayment(ctx, booking.ID)
	require.NoError(t, err)
}

func TestRenewHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	opts := DefaultOptions()
	opts.HoldTTL = 2 * time.Minute
	opts.PaymentWindow = 5 * time.Minute
	f.engine.opts = opts

	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)

	f.clock.Advance(time.Minute)
	_, until, err := f.engine.RenewHold(ctx, booking.ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), until)

	f.clock.Advance(90 * time.Second)
	_, _, err = f.engine.RenewHold(ctx, booking.ID, "S1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, until, err = f.engine.RenewHold(ctx, booking.ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, booking.PaymentDueAt, until)

	_, _, err = f.engine.RenewHold(ctx, booking.ID, "S2")
	assert.True(t, errors.Is(err, domain.ErrNotOwner))

	f.clock.Advance(3 * time.Minute)
	_, _, err = f.engine.RenewHold(ctx, booking.ID, "S1")
	assert.True(t, errors.Is(err, domain.ErrHoldExpired))
}

func TestReleaseHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	booking := f.hold(t, "S1", s)

	_, err := f.engine.ReleaseHold(ctx, booking.ID, "S2")
	assert.True(t, errors.Is(err, domain.ErrNotOwner))
	assert.Equal(t, SlotLocked, stateOf(t, f, s))

	released, err := f.engine.ReleaseHold(ctx, booking.ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, released.Status)
	assert.Equal(t, SlotAvailable, stateOf(t, f, s))

	_, err = f.engine.ReleaseHold(ctx, booking.ID, "S1")
	require.NoError(t, err)
}

func (f *fixture) paidBooking(t *testing.T, s domain.SlotIdentity) domain.Booking {
	t.Helper()
	b := f.hold(t, "S1", s)
	confirmed, err := f.engine.ConfirmPayment(context.Background(), b.ID)
	require.NoError(t, err)
	return confirmed
}

func TestCancel_RefundTiers(t *testing.T) {
	june2 := domain.NewDate(2024, time.June, 2)
	tests := []struct {
		name   string
		now    time.Time
		date   domain.Date
		actor  domain.Actor
		pct    int
		amount int64
		reason string
	}{
		{"customer 30h ahead", time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), june2, domain.ActorCustomer, 100, 200000, refund.ReasonEarlyCancel},
		{"owner 10h ahead", time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC), june1, domain.ActorOwner, 100, 200000, refund.ReasonOwnerCancel},
		{"customer 10h ahead", time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC), june1, domain.ActorCustomer, 0, 0, refund.ReasonNoRefundWindow},
		{"customer 20h ahead", time.Date(2024, 5, 31, 21, 0, 0, 0, time.UTC), june1, domain.ActorCustomer, 50, 100000, refund.ReasonLateCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.now)
			b := f.paidBooking(t, slot(t, tt.date, "17:00-18:00"))

			quote, err := f.engine.QuoteRefund(context.Background(), b.ID, tt.actor)
			require.NoError(t, err)

			cancelled, outcome, err := f.engine.Cancel(context.Background(), CancelRequest{BookingID: b.ID, Reason: "plans changed", Actor: tt.actor})
			require.NoError(t, err)
			assert.Equal(t, quote, outcome)
			assert.Equal(t, tt.pct, outcome.RefundPercentage)
			assert.Equal(t, tt.amount, outcome.RefundAmount)
			assert.Equal(t, tt.reason, outcome.ReasonCode)
			assert.Equal(t, domain.StatusCancelled, cancelled.Status)
			assert.Equal(t, tt.amount, f.wallet.credits[b.ID])
			assert.Equal(t, SlotAvailable, stateOf(t, f, b.Slots[0]))
		})
	}
}

func TestCancel_PendingIsNotRefunded(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	b := f.hold(t, "S1", slot(t, june1, "17:00-18:00"))

	_, outcome, err := f.engine.Cancel(context.Background(), CancelRequest{BookingID: b.ID, Actor: domain.ActorCustomer})
	require.NoError(t, err)
	assert.Equal(t, refund.ReasonNotPaid, outcome.ReasonCode)
	assert.Zero(t, outcome.RefundAmount)
}

func TestCancel_TerminalAndForeignBookings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	b := f.paidBooking(t, slot(t, june1, "17:00-18:00"))

	_, _, err := f.engine.Cancel(ctx, CancelRequest{BookingID: b.ID, Actor: domain.ActorCustomer, UserID: "someone-else"})
	assert.True(t, errors.Is(err, domain.ErrNotOwner))

	_, _, err = f.engine.Cancel(ctx, CancelRequest{BookingID: b.ID, Actor: domain.ActorCustomer, UserID: b.UserID})
	require.NoError(t, err)

	_, _, err = f.engine.Cancel(ctx, CancelRequest{BookingID: b.ID, Actor: domain.ActorCustomer})
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))

	_, _, err = f.engine.Cancel(ctx, CancelRequest{BookingID: "missing", Actor: domain.ActorOwner})
	assert.True(t, errors.Is(err, domain.ErrBookingNotFound))
}

func TestCancel_WalletFailureKeepsCancellation(t *testing.T) {
	f := newFixture(t, time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC))
	b := f.paidBooking(t, slot(t, june1, "17:00-18:00"))
	f.wallet.err = errors.New("wallet down")

	cancelled, outcome, err := f.engine.Cancel(context.Background(), CancelRequest{BookingID: b.ID, Actor: domain.ActorCustomer})
	require.NoError(t, err)
	assert.Equal(t, int64(200000), outcome.RefundAmount)
	assert.Equal(t, domain.PaymentRefunded, cancelled.PaymentStatus)
	assert.Equal(t, SlotAvailable, stateOf(t, f, b.Slots[0]))
}

func TestCancel_StoreFailureKeepsSlotBooked(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	b := f.paidBooking(t, slot(t, june1, "17:00-18:00"))

	f.bookings.setFailing(true)
	_, _, err := f.engine.Cancel(context.Background(), CancelRequest{BookingID: b.ID, Actor: domain.ActorOwner})
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.Equal(t, SlotBooked, stateOf(t, f, b.Slots[0]))
}

func TestCreateWalkIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")

	b, err := f.engine.CreateWalkIn(ctx, WalkInRequest{Slots: []domain.SlotIdentity{s}, Contact: "555-0100", TotalAmount: 150000, Actor: domain.ActorStaff})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, b.Status)
	assert.Equal(t, domain.SourceWalkIn, b.Source)
	assert.Equal(t, SlotBooked, stateOf(t, f, s))

	_, held, err := f.locks.Get(ctx, s)
	require.NoError(t, err)
	assert.False(t, held)

	_, err = f.engine.CreateWalkIn(ctx, WalkInRequest{Slots: []domain.SlotIdentity{s}, Contact: "555-0100", Actor: domain.ActorCustomer})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCreateWalkIn_OnBookedSlotLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	online := f.paidBooking(t, s)

	before, err := f.ledger.Booked(ctx, "C1", june1)
	require.NoError(t, err)

	_, err = f.engine.CreateWalkIn(ctx, WalkInRequest{Slots: []domain.SlotIdentity{s}, Contact: "555-0100", Actor: domain.ActorOwner})
	require.Error(t, err)
	assert.Equal(t, []domain.SlotIdentity{s}, domain.UnavailableSlots(err))

	after, err := f.ledger.Booked(ctx, "C1", june1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, online.ID, after[0].BookingID)
}

func TestCreateWalkIn_BlockedByLiveHold(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := slot(t, june1, "17:00-18:00")
	held := f.hold(t, "S1", s)

	_, err := f.engine.CreateWalkIn(context.Background(), WalkInRequest{Slots: []domain.SlotIdentity{s}, Contact: "555-0100", Actor: domain.ActorStaff})
	assert.True(t, errors.Is(err, domain.ErrSlotUnavailable))

	_, err = f.engine.ConfirmPayment(context.Background(), held.ID)
	require.NoError(t, err)
}

func TestCompleteFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	b := f.paidBooking(t, slot(t, june1, "17:00-18:00"))

	n, err := f.engine.CompleteFinished(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(9 * time.Hour)
	n, err = f.engine.CompleteFinished(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, SlotPast, stateOf(t, f, b.Slots[0]))
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := keyedMutex{locks: make(map[string]*keyLock)}
	unlock := k.Lock("C1|2024-06-01")
	other := k.Lock("C2|2024-06-01")
	other()
	unlock()
	assert.Empty(t, k.locks)
}

func memoryLocks(*testing.T) locktable.Store {
	return locktable.NewMemoryStore()
}

func redisLocks(t *testing.T) func(*testing.T) locktable.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return func(*testing.T) locktable.Store {
		mr.FlushAll()
		return redisadapter.NewLockStore(client)
	}
}

// raceHoldAgainstWalkIn starts an online hold and a desk walk-in at the same
// moment, rounds times, and checks that exactly one of them gets the court.
func raceHoldAgainstWalkIn(t *testing.T, newLocks func(*testing.T) locktable.Store, holdLabel, walkInLabel string, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		f := newFixtureWithLocks(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), newLocks(t))
		online, desk := slot(t, june1, holdLabel), slot(t, june1, walkInLabel)

		var (
			holdErr, walkInErr error
			start              = make(chan struct{})
			g                  errgroup.Group
		)
		g.Go(func() error {
			<-start
			_, holdErr = f.engine.BeginHold(ctx, HoldRequest{Slots: []domain.SlotIdentity{online}, HolderSessionID: "S1", UserID: "U1", TotalAmount: 100000})
			return nil
		})
		g.Go(func() error {
			<-start
			_, walkInErr = f.engine.CreateWalkIn(ctx, WalkInRequest{Slots: []domain.SlotIdentity{desk}, Contact: "555-0100", TotalAmount: 100000, Actor: domain.ActorStaff})
			return nil
		})
		close(start)
		require.NoError(t, g.Wait())

		switch {
		case holdErr == nil && walkInErr != nil:
			require.True(t, errors.Is(walkInErr, domain.ErrSlotUnavailable), "round %d: %v", i, walkInErr)
			assert.Equal(t, []domain.SlotIdentity{desk}, domain.UnavailableSlots(walkInErr))
			assert.Equal(t, SlotLocked, stateOf(t, f, online))
		case walkInErr == nil && holdErr != nil:
			require.True(t, errors.Is(holdErr, domain.ErrSlotUnavailable), "round %d: %v", i, holdErr)
			assert.Equal(t, []domain.SlotIdentity{online}, domain.UnavailableSlots(holdErr))
			assert.Equal(t, SlotBooked, stateOf(t, f, desk))
		default:
			t.Fatalf("round %d: want exactly one winner, hold err %v, walk-in err %v", i, holdErr, walkInErr)
		}
	}
}

func TestBeginHoldRacingWalkIn_ExactlyOneWins(t *testing.T) {
	stores := map[string]func(*testing.T) locktable.Store{
		"memory": memoryLocks,
		"redis":  redisLocks(t),
	}
	for name, newLocks := range stores {
		t.Run(name+"/same slot", func(t *testing.T) {
			raceHoldAgainstWalkIn(t, newLocks, "17:00-18:00", "17:00-18:00", 50)
		})
		t.Run(name+"/overlapping range", func(t *testing.T) {
			raceHoldAgainstWalkIn(t, newLocks, "17:00-18:00", "17:30-18:30", 50)
		})
	}
}

func TestExpireOverdue_DrainsBacklogPastBatchSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	var ids []string
	for i, label := range []string{"15:00-16:00", "16:00-17:00", "17:00-18:00", "18:00-19:00", "19:00-20:00"} {
		ids = append(ids, f.hold(t, string(rune('A'+i)), slot(t, june1, label)).ID)
	}

	f.clock.Advance(6 * time.Minute)
	expired, err := f.engine.ExpireOverdue(ctx, f.clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, len(ids), expired)

	for _, id := range ids {
		got, err := f.engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, got.Status)
	}
}
