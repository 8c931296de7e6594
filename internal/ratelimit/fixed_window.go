// Package ratelimit provides a Redis-backed fixed-window request
// limiter shared by the composer's spend endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter counts requests per key in fixed time windows.
// State lives in Redis so every composer replica draws from the same
// budget.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter builds a limiter on the given Redis
// instance. The prefix keeps limiter keys apart from draft slots and
// mirror jobs sharing the instance.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "postpilot:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Allow reports whether the key still has budget in the current
// window. The guarded endpoints spend credits, so a request that
// cannot be counted (Redis down, timeout) is refused rather than
// waved through.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := incrWindow.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}
