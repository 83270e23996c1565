package crdb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
	// retryMax bounds how long RetryTx keeps retrying serialization failures.
	retryMax time.Duration
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, retryMax: 2 * time.Second}
}

func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func serializationFailure(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return errors.Wrap(domain.ErrSerializationFailure, pgErr.Message)
	}
	return err
}

// WithTx runs fn in one SERIALIZABLE transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return serializationFailure(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return serializationFailure(errors.Wrap(err, "commit tx"))
	}
	return nil
}

// RetryTx runs WithTx again after serialization failures, which CockroachDB
// returns whenever two SERIALIZABLE transactions touch the same rows.
func (r *Repository) RetryTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = r.retryMax
	return backoff.Retry(func() error {
		err := r.WithTx(ctx, fn)
		if err != nil && !errors.Is(err, domain.ErrSerializationFailure) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
