package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// BookingStore persists bookings. Every write appends an outbox record in
// the same transaction.
type BookingStore struct {
	repo *Repository
}

func NewBookingStore(repo *Repository) *BookingStore {
	return &BookingStore{repo: repo}
}

const bookingColumns = `id, facility_id, court_id, user_id, holder_session_id, booking_date, slots, status,
	payment_status, source, contact, total_amount, refunded_amount, created_at, updated_at,
	payment_due_at, starts_at, ends_at, cancelled_at, cancellation_reason`

func (s *BookingStore) Create(ctx context.Context, b domain.Booking) error {
	slots, err := json.Marshal(b.Slots)
	if err != nil {
		return errors.Wrap(err, "encode slots")
	}
	rec, err := bookingOutboxRecord(b)
	if err != nil {
		return err
	}
	return s.repo.RetryTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (`+bookingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6::DATE, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		`, b.ID, b.FacilityID, b.CourtID, b.UserID, b.HolderSessionID, b.Date.String(), slots, string(b.Status),
			string(b.PaymentStatus), string(b.Source), b.Contact, b.TotalAmount, b.RefundedAmount, b.CreatedAt, b.UpdatedAt,
			nullTime(b.PaymentDueAt), b.StartsAt, b.EndsAt, b.CancelledAt, b.CancellationReason)
		if err != nil {
			return errors.Wrap(err, "insert booking")
		}
		return s.repo.InsertOutbox(ctx, tx, rec)
	})
}

func (s *BookingStore) Update(ctx context.Context, b domain.Booking) error {
	rec, err := bookingOutboxRecord(b)
	if err != nil {
		return err
	}
	return s.repo.RetryTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE bookings
			SET status = $2, payment_status = $3, refunded_amount = $4, updated_at = $5,
			    payment_due_at = $6, cancelled_at = $7, cancellation_reason = $8, holder_session_id = $9
			WHERE id = $1
		`, b.ID, string(b.Status), string(b.PaymentStatus), b.RefundedAmount, b.UpdatedAt,
			nullTime(b.PaymentDueAt), b.CancelledAt, b.CancellationReason, b.HolderSessionID)
		if err != nil {
			return errors.Wrap(err, "update booking")
		}
		if result.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrBookingNotFound, "booking %s", b.ID)
		}
		return s.repo.InsertOutbox(ctx, tx, rec)
	})
}

func (s *BookingStore) Get(ctx context.Context, id string) (domain.Booking, error) {
	row := s.repo.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", id)
	}
	return b, err
}

func (s *BookingStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'pending' AND payment_due_at <= $1
		ORDER BY payment_due_at ASC LIMIT $2
	`, now, limit)
}

func (s *BookingStore) ListFinished(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'confirmed' AND ends_at <= $1
		ORDER BY ends_at ASC LIMIT $2
	`, now, limit)
}

func (s *BookingStore) list(ctx context.Context, query string, now time.Time, limit int) ([]domain.Booking, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.repo.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list bookings")
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var (
		b                       domain.Booking
		date                    time.Time
		slots                   []byte
		status, payment, source string
		paymentDue              *time.Time
	)
	err := row.Scan(&b.ID, &b.FacilityID, &b.CourtID, &b.UserID, &b.HolderSessionID, &date, &slots, &status,
		&payment, &source, &b.Contact, &b.TotalAmount, &b.RefundedAmount, &b.CreatedAt, &b.UpdatedAt,
		&paymentDue, &b.StartsAt, &b.EndsAt, &b.CancelledAt, &b.CancellationReason)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := json.Unmarshal(slots, &b.Slots); err != nil {
		return domain.Booking{}, errors.Wrap(err, "decode slots")
	}
	b.Date = domain.DateOf(date)
	b.Status = domain.Status(status)
	b.PaymentStatus = domain.PaymentStatus(payment)
	b.Source = domain.Source(source)
	if paymentDue != nil {
		b.PaymentDueAt = *paymentDue
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
