package cache

import (
	"context"
	"time"
)

// RateLimitAllow consumes one token from the (userID, action) window and
// reports whether the action may proceed. The first action in a window
// starts it; the key expires with the window. Redis failures fail open —
// a lost rate limit is cheaper than a dead command surface.
func (c *Cache) RateLimitAllow(ctx context.Context, userID, action string, maxActions int, window time.Duration) bool {
	if maxActions <= 0 {
		return true
	}
	key := prefixRateLimit + userID + ":" + action

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		c.logger.Warn("rate limit incr failed", "key", key, "error", err)
		return true
	}
	if count == 1 {
		if err := c.client.PExpire(ctx, key, window).Err(); err != nil {
			c.logger.Warn("rate limit expire failed", "key", key, "error", err)
		}
	}
	return count <= int64(maxActions)
}

// RateLimitReset clears the window for (userID, action).
func (c *Cache) RateLimitReset(ctx context.Context, userID, action string) {
	c.Delete(ctx, prefixRateLimit+userID+":"+action)
}
