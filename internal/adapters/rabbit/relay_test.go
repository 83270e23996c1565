package rabbit

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
}

func (s *captureSink) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSink) sent() []amqp.Publishing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]amqp.Publishing(nil), s.msgs...)
}

type jsonCapture struct {
	key string
	v   interface{}
}

func (j *jsonCapture) PublishJSON(_ context.Context, key string, v interface{}) error {
	j.key, j.v = key, v
	return nil
}

func testLogger() observability.Logger {
	log, _ := test.NewNullLogger()
	return observability.NewLoggerFrom(log)
}

func testSlot(t *testing.T) domain.SlotIdentity {
	t.Helper()
	r, err := domain.ParseTimeRange("17:00-18:00")
	require.NoError(t, err)
	s, err := domain.NewSlot("C1", domain.NewDate(2024, time.June, 1), r)
	require.NoError(t, err)
	return s
}

func TestEventRelay_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &captureSink{}
	relay := NewEventRelay(sink, "api-1", 8, testLogger())
	go relay.Run(ctx)

	s := testSlot(t)
	topic := fanout.CourtDayTopic(s.CourtID, s.Date)
	relay.Publish(topic, domain.SlotBooked{Slots: []domain.SlotIdentity{s}, BookingID: "B1"})

	require.Eventually(t, func() bool { return len(sink.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := sink.sent()[0]
	assert.Equal(t, "api-1", msg.Headers[originHeader])
	assert.Equal(t, string(domain.EventSlotBooked), msg.Type)

	hub := fanout.NewHub(4, testLogger())
	sub := hub.Subscribe(topic)
	defer sub.Close()

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Headers: amqp.Table{originHeader: "api-1"}, Body: msg.Body}
	deliveries <- amqp.Delivery{Headers: amqp.Table{originHeader: "api-2"}, Body: msg.Body}
	close(deliveries)
	Bridge(ctx, deliveries, hub, "api-1", testLogger())

	select {
	case ev := <-sub.Events():
		booked, ok := ev.(domain.SlotBooked)
		require.True(t, ok)
		assert.Equal(t, "B1", booked.BookingID)
		assert.Equal(t, s, booked.Slots[0])
	default:
		t.Fatal("foreign event not bridged")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("own event echoed back: %v", ev)
	default:
	}
}

func TestEventRelay_DropsWhenFull(t *testing.T) {
	relay := NewEventRelay(&captureSink{}, "api-1", 1, testLogger())
	s := testSlot(t)
	relay.Publish("t", domain.SlotUnlocked{Slot: s})
	relay.Publish("t", domain.SlotUnlocked{Slot: s})
	assert.Len(t, relay.queue, 1)
}

func TestNotifier_BookingExpired(t *testing.T) {
	pub := &jsonCapture{}
	n := NewNotifier(pub)
	ev := domain.BookingExpired{BookingID: "B1", UserID: "U1"}
	require.NoError(t, n.BookingExpired(context.Background(), ev))
	assert.Equal(t, "booking.expired", pub.key)
	assert.Equal(t, ev, pub.v)
}
