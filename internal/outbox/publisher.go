// Package outbox relays booking change records from the database outbox to
// the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/court-slot-reservations/internal/adapters/crdb"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id string, publishedAt time.Time) error
	MarkAttempt(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error
	OldestPending(ctx context.Context) (time.Time, bool, error)
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store       Store
	sink        Sink
	logger      observability.Logger
	batch       int
	maxAttempts int
}

func NewPublisher(store Store, sink Sink, logger observability.Logger) *Publisher {
	return &Publisher{store: store, sink: sink, logger: logger, batch: 100, maxAttempts: 10}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	p.logger.WithField("interval", interval.String()).Info("outbox publisher started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			n, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox relayed")
			}
		}
	}
}

// RunOnce claims one batch and publishes it. Records that fail to publish
// stay NEW until maxAttempts, then move to FAILED.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(tx pgx.Tx) error {
		published = 0
		records, err := p.store.ClaimOutbox(ctx, tx, p.batch)
		if err != nil {
			return err
		}
		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:    rec.DedupeKey,
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    rec.CreatedAt,
				Type:         rec.EventType,
				Body:         rec.Payload,
			}
			if err := p.sink.Publish(ctx, rec.EventType, msg); err != nil {
				p.logger.WithError(err).WithField("outbox_id", rec.ID).Warn("outbox publish failed")
				if err := p.store.MarkAttempt(ctx, tx, rec.ID, p.maxAttempts); err != nil {
					return err
				}
				continue
			}
			if err := p.store.MarkPublished(ctx, tx, rec.ID, time.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "relay outbox")
	}

	oldest, ok, err := p.store.OldestPending(ctx)
	if err != nil {
		return published, err
	}
	if ok {
		observability.OutboxLag.Set(time.Since(oldest).Seconds())
	} else {
		observability.OutboxLag.Set(0)
	}
	return published, nil
}
