package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// NewConsumer binds queue to exchange for every routing key. An empty queue
// name declares a server-named exclusive queue that disappears with the
// connection.
func NewConsumer(conn *amqp.Connection, exchange, queue string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	durable, exclusive := true, false
	if queue == "" {
		durable, exclusive = false, true
	}
	q, err := ch.QueueDeclare(queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "declare queue %q", queue)
	}
	if err := ch.QueueBind(q.Name, "#", exchange, false, nil); err != nil {
		return nil, errors.Wrapf(err, "bind queue %s", q.Name)
	}
	return &Consumer{ch: ch, queue: q.Name}, nil
}

// Consume delivers with auto-ack until ctx is done.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(c.queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consume %s", c.queue)
	}
	go func() {
		<-ctx.Done()
		c.ch.Close()
	}()
	return deliveries, nil
}

func (c *Consumer) Queue() string {
	return c.queue
}
