package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both scripts compare the stored owner first, so a holder whose TTL lapsed
// can neither free nor prolong a lock another instance has since taken.
var (
	releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

func (c *Client) ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error) {
	return c.runOwnerScript(ctx, releaseIfOwner, key, owner)
}

func (c *Client) ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.runOwnerScript(ctx, extendIfOwner, key, owner, ttl.Milliseconds())
}

func (c *Client) runOwnerScript(ctx context.Context, script *redis.Script, key string, args ...any) (bool, error) {
	if c.cmd == nil {
		return false, errNotInitialized
	}
	n, err := script.Run(ctx, c.cmd, []string{key}, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
