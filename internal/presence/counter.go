package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// counterPrefix is the Redis key prefix for per-identity session counts.
	counterPrefix = "presence:sessions:"

	// counterTTL bounds how long a counter can outlive its sessions if a
	// process dies without decrementing. Refreshed on every change.
	counterTTL = 24 * time.Hour
)

// decrLua decrements the per-identity session counter and deletes the key
// when it reaches zero (or was already missing/negative, which can happen
// after a crashed process left the counter behind and the TTL fired).
// Returns 1 when this was the identity's last session cluster-wide.
const decrLua = `
local v = redis.call('DECR', KEYS[1])
if v <= 0 then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// Counter tracks live session counts per identity across all gateway
// processes in Redis, so that a local 1->0 registry edge on one process does
// not announce "offline" while another process still holds a session.
type Counter struct {
	client *redis.Client
	decr   *redis.Script
}

// NewCounter creates a Counter using the provided Redis client.
func NewCounter(client *redis.Client) *Counter {
	return &Counter{
		client: client,
		decr:   redis.NewScript(decrLua),
	}
}

// Incr records a new session for the identity and reports whether it is the
// identity's first session cluster-wide.
func (c *Counter) Incr(ctx context.Context, userID string) (first bool, err error) {
	key := counterPrefix + userID

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: counter incr: %w", err)
	}
	return incr.Val() == 1, nil
}

// Decr records a closed session for the identity and reports whether it was
// the identity's last session cluster-wide.
func (c *Counter) Decr(ctx context.Context, userID string) (last bool, err error) {
	key := counterPrefix + userID

	res, err := c.decr.Run(ctx, c.client, []string{key}).Int()
	if err != nil {
		return false, fmt.Errorf("presence: counter decr: %w", err)
	}
	return res == 1, nil
}
