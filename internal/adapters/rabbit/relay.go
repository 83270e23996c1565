package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/fanout"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

const originHeader = "x-origin"

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type relayed struct {
	topic string
	ev    domain.Event
}

// EventRelay forwards engine events to the slots exchange. Publish queues the
// event and returns at once; a full queue drops the event.
type EventRelay struct {
	sink   Sink
	origin string
	queue  chan relayed
	logger observability.Logger
}

func NewEventRelay(sink Sink, origin string, buffer int, logger observability.Logger) *EventRelay {
	return &EventRelay{sink: sink, origin: origin, queue: make(chan relayed, buffer), logger: logger}
}

func (r *EventRelay) Publish(topic string, ev domain.Event) {
	select {
	case r.queue <- relayed{topic: topic, ev: ev}:
	default:
		observability.FanoutDropped.Inc()
		r.logger.WithField("topic", topic).Warn("relay queue full, event dropped")
	}
}

// Run drains the queue until ctx is done.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-r.queue:
			body, err := domain.EncodeEvent(item.topic, item.ev)
			if err != nil {
				r.logger.WithError(err).Error("encode relayed event")
				continue
			}
			msg := amqp.Publishing{
				ContentType: "application/json",
				Type:        string(item.ev.EventType()),
				Headers:     amqp.Table{originHeader: r.origin},
				Body:        body,
			}
			if err := r.sink.Publish(ctx, string(item.ev.EventType()), msg); err != nil {
				r.logger.WithError(err).WithField("topic", item.topic).Warn("relay publish failed")
			}
		}
	}
}

// Bridge republishes deliveries from other instances into the local hub.
func Bridge(ctx context.Context, deliveries <-chan amqp.Delivery, local fanout.Publisher, origin string, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if from, _ := d.Headers[originHeader].(string); from == origin {
				continue
			}
			topic, ev, err := domain.DecodeEvent(d.Body)
			if err != nil {
				logger.WithError(err).Warn("discarding malformed relayed event")
				continue
			}
			local.Publish(topic, ev)
		}
	}
}
