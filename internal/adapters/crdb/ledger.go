package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/ledger"
)

// Ledger keeps slot occupancy in slot_ledger. Commit reads the court-day and
// inserts inside one SERIALIZABLE transaction, so two instances committing
// overlapping slots cannot both succeed.
type Ledger struct {
	repo *Repository
}

func NewLedger(repo *Repository) *Ledger {
	return &Ledger{repo: repo}
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func booked(ctx context.Context, q queryer, courtID string, date domain.Date) ([]ledger.Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT start_minute, duration_minutes, booking_id
		FROM slot_ledger WHERE court_id = $1 AND booking_date = $2::DATE
		ORDER BY start_minute
	`, courtID, date.String())
	if err != nil {
		return nil, errors.Wrap(err, "query ledger")
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		e.Slot.CourtID, e.Slot.Date = courtID, date
		if err := rows.Scan(&e.Slot.Range.StartMinute, &e.Slot.Range.DurationMinutes, &e.BookingID); err != nil {
			return nil, errors.Wrap(err, "scan ledger")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func conflicting(entries []ledger.Entry, bookingID string, slots []domain.SlotIdentity) []domain.SlotIdentity {
	var out []domain.SlotIdentity
	for _, s := range slots {
		for _, e := range entries {
			if e.BookingID != bookingID && e.Slot.Conflicts(s) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (l *Ledger) Commit(ctx context.Context, bookingID string, slots []domain.SlotIdentity) error {
	if err := domain.ValidateGroup(slots); err != nil {
		return err
	}
	first := slots[0]
	return l.repo.RetryTx(ctx, func(tx pgx.Tx) error {
		entries, err := booked(ctx, tx, first.CourtID, first.Date)
		if err != nil {
			return err
		}
		if c := conflicting(entries, bookingID, slots); len(c) > 0 {
			return domain.NewSlotUnavailable(c...)
		}
		for _, s := range slots {
			_, err := tx.Exec(ctx, `
				INSERT INTO slot_ledger (court_id, booking_date, start_minute, duration_minutes, booking_id)
				VALUES ($1, $2::DATE, $3, $4, $5)
				ON CONFLICT (court_id, booking_date, start_minute) DO NOTHING
			`, s.CourtID, s.Date.String(), s.Range.StartMinute, s.Range.DurationMinutes, bookingID)
			if err != nil {
				return errors.Wrap(err, "insert ledger entry")
			}
		}
		return nil
	})
}

func (l *Ledger) Remove(ctx context.Context, bookingID string, slots []domain.SlotIdentity) error {
	return l.repo.RetryTx(ctx, func(tx pgx.Tx) error {
		for _, s := range slots {
			_, err := tx.Exec(ctx, `
				DELETE FROM slot_ledger
				WHERE court_id = $1 AND booking_date = $2::DATE AND start_minute = $3 AND booking_id = $4
			`, s.CourtID, s.Date.String(), s.Range.StartMinute, bookingID)
			if err != nil {
				return errors.Wrap(err, "delete ledger entry")
			}
		}
		return nil
	})
}

func (l *Ledger) Conflicts(ctx context.Context, slots []domain.SlotIdentity) ([]domain.SlotIdentity, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	days := make(map[string][]ledger.Entry)
	var out []domain.SlotIdentity
	for _, s := range slots {
		entries, ok := days[s.DayKey()]
		if !ok {
			var err error
			entries, err = booked(ctx, l.repo.pool, s.CourtID, s.Date)
			if err != nil {
				return nil, err
			}
			days[s.DayKey()] = entries
		}
		out = append(out, conflicting(entries, "", []domain.SlotIdentity{s})...)
	}
	return out, nil
}

func (l *Ledger) Booked(ctx context.Context, courtID string, date domain.Date) ([]ledger.Entry, error) {
	return booked(ctx, l.repo.pool, courtID, date)
}
