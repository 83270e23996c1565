package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Cache holds the shared client and the fixed-window counters used for
// rate limiting.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// CountWindow increments the counter for key and returns the count within
// the current window. The window starts with the first hit.
func (c *Cache) CountWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := windowScript.Run(ctx, c.client, []string{"csr:rl:" + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "count window")
	}
	return n, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
