package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

const (
	// EventsExchange carries booking outbox records and user notifications.
	EventsExchange = "courts.events"
	// SlotsExchange mirrors slot events between API instances.
	SlotsExchange = "courts.slots"
)

type Publisher struct {
	ch       *amqp.Channel
	exchange string
	maxRetry uint64
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	return &Publisher{ch: ch, exchange: exchange, maxRetry: 3}, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	attempt := 0
	op := func() error {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
		}
		attempt++
		return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
	), p.maxRetry), ctx)
	return errors.Wrapf(backoff.Retry(op, b), "publish %s", key)
}

func (p *Publisher) PublishJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return p.Publish(ctx, key, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         key,
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
