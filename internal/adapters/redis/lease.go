package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var extendLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var dropLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a single-holder lease on one key, used to elect the instance
// that runs the expiry sweep.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

func NewLease(client *redis.Client, name string) *Lease {
	return &Lease{client: client, key: "csr:lease:" + name, token: uuid.NewString()}
}

// Acquire takes the lease if it is free and extends it if this instance already holds it.
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "take lease")
	}
	if ok {
		return true, nil
	}
	n, err := extendLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "extend lease")
	}
	return n == 1, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if err := dropLeaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return errors.Wrap(err, "release lease")
	}
	return nil
}
