package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

const (
	OutboxNew       = "NEW"
	OutboxPublished = "PUBLISHED"
	OutboxFailed    = "FAILED"
)

type OutboxRecord struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string
	DedupeKey     string
	Attempts      int
}

// BookingEvent is the outbox payload written with every booking change.
type BookingEvent struct {
	BookingID      string                `json:"booking_id"`
	FacilityID     string                `json:"facility_id"`
	CourtID        string                `json:"court_id"`
	UserID         string                `json:"user_id,omitempty"`
	Date           domain.Date           `json:"date"`
	Slots          []domain.SlotIdentity `json:"slots"`
	Status         domain.Status         `json:"status"`
	PaymentStatus  domain.PaymentStatus  `json:"payment_status"`
	Source         domain.Source         `json:"source"`
	TotalAmount    int64                 `json:"total_amount"`
	RefundedAmount int64                 `json:"refunded_amount"`
	Reason         string                `json:"reason,omitempty"`
	At             time.Time             `json:"at"`
}

func bookingOutboxRecord(b domain.Booking) (OutboxRecord, error) {
	ev := BookingEvent{
		BookingID:      b.ID,
		FacilityID:     b.FacilityID,
		CourtID:        b.CourtID,
		UserID:         b.UserID,
		Date:           b.Date,
		Slots:          b.Slots,
		Status:         b.Status,
		PaymentStatus:  b.PaymentStatus,
		Source:         b.Source,
		TotalAmount:    b.TotalAmount,
		RefundedAmount: b.RefundedAmount,
		At:             b.UpdatedAt,
	}
	if b.CancellationReason != nil {
		ev.Reason = *b.CancellationReason
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return OutboxRecord{}, errors.Wrap(err, "encode outbox payload")
	}
	return OutboxRecord{
		ID:            uuid.NewString(),
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     "booking." + string(b.Status),
		Payload:       payload,
		DedupeKey:     b.ID + ":" + string(b.Status),
	}, nil
}

func (r *Repository) InsertOutbox(ctx context.Context, tx pgx.Tx, record OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey)
	return errors.Wrap(err, "insert outbox")
}

// ClaimOutbox locks up to limit unpublished records inside tx. Concurrent
// relays skip rows another relay holds.
func (r *Repository) ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key, attempts
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey, &rec.Attempts)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, id string, publishedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return errors.Wrap(err, "mark outbox published")
}

// MarkAttempt counts a failed publish and parks the record once maxAttempts is reached.
func (r *Repository) MarkAttempt(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'FAILED' ELSE status END
		WHERE id = $1
	`, id, maxAttempts)
	return errors.Wrap(err, "mark outbox attempt")
}

// OldestPending returns the creation time of the oldest unpublished record.
func (r *Repository) OldestPending(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	err := r.pool.QueryRow(ctx, `SELECT min(created_at) FROM outbox WHERE status = 'NEW'`).Scan(&at)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "oldest outbox record")
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}
