// Package idempotency replays the stored response of a mutating request that
// is retried with the same Idempotency-Key.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	redisadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/redis"
)

// ErrInFlight means another request with the same key has not finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

type Idempotency struct {
	redis *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(redis *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	return &Idempotency{redis: redis, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

// Begin returns the stored response for key, or claims key and returns nil
// when it is new. A claimed key without a stored response yields ErrInFlight.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	claimed, err := i.redis.Claim(ctx, key, i.ttl)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, nil
	}
	existing, err := i.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Expired between the claim and the read.
		return i.Begin(ctx, key)
	}
	return existing, nil
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	rec, err := i.redis.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Pending {
		return nil, ErrInFlight
	}
	return &Response{Status: rec.Status, ContentType: rec.ContentType, Result: rec.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.redis.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Result,
	}, i.ttl)
}

// Abandon drops a claim so the request can be retried, e.g. after a server error.
func (i *Idempotency) Abandon(ctx context.Context, key string) error {
	return i.redis.Delete(ctx, key)
}
