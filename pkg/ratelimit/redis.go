package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var acquireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window limiter shared by every process using the
// same Redis. When Redis cannot be reached it falls back to an in-process
// sliding window so callers stay bounded.
type RedisLimiter struct {
	Client   *redis.Client
	Limit    int
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *SlidingWindow
}

// NewRedis creates a Redis backed limiter.
func NewRedis(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 60
	}
	return &RedisLimiter{
		Client:   client,
		Limit:    limit,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewSlidingWindow(limit, window),
	}
}

// TryAcquire increments the caller's counter for the current window.
func (l *RedisLimiter) TryAcquire(callerID string) bool {
	if l.Client == nil {
		return l.Fallback.TryAcquire(callerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()

	res, err := acquireScript.Run(ctx, l.Client, []string{l.Prefix + callerID}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 1 {
		log.Warn().Err(err).Str("caller_id", callerID).Msg("Redis rate limit unavailable, using local fallback")
		return l.Fallback.TryAcquire(callerID)
	}
	return int(res[0]) <= l.Limit
}

// GetInfo reads the caller's counter and its TTL without incrementing.
func (l *RedisLimiter) GetInfo(callerID string) Info {
	if l.Client == nil {
		return l.Fallback.GetInfo(callerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()

	key := l.Prefix + callerID
	count, err := l.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return Info{Remaining: l.Limit}
	}
	if err != nil {
		return l.Fallback.GetInfo(callerID)
	}

	ttl, err := l.Client.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = l.Window
	}

	remaining := l.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Info{Remaining: remaining, ResetIn: ttl}
}

// Stop stops the fallback limiter.
func (l *RedisLimiter) Stop() {
	l.Fallback.Stop()
}
