package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindow implements a per-key fixed-window request counter in Redis.
// The window starts on the first request and resets when the key expires.
type FixedWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// New constructs a limiter allowing limit requests per window per key.
func New(client *redis.Client, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{client: client, limit: limit, window: window}
}

// Allow consumes one request for the key. Returns the allowed flag and the
// count used so far in the current window.
func (l *FixedWindow) Allow(ctx context.Context, key string) (bool, int64, error) {
	res, err := windowScript.Run(ctx, l.client, []string{"rate_limit:" + key}, l.limit, l.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %T", res)
	}
	allowed := arr[0].(int64) == 1
	count, _ := arr[1].(int64)
	return allowed, count, nil
}

// INCR and PEXPIRE must be atomic: a crash between them would leave a
// counter that never resets.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, current}
end
return {1, current}
`)
