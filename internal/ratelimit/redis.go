package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request atomically against two sliding
// windows kept in one sorted set per principal.
// KEYS[1] = sorted set for the principal
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = minute window in nanoseconds
// ARGV[3] = per-minute limit
// ARGV[4] = burst window in nanoseconds
// ARGV[5] = burst limit
// Returns: {allowed (0/1), count in minute window after the call}.
var slidingWindowScript = redis.NewScript(`
		local key      = KEYS[1]
		local now      = tonumber(ARGV[1])
		local window   = tonumber(ARGV[2])
		local limit    = tonumber(ARGV[3])
		local bwindow  = tonumber(ARGV[4])
		local blimit   = tonumber(ARGV[5])

		-- Remove entries outside the minute window.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count  = redis.call('ZCARD', key)
		local bcount = redis.call('ZCOUNT', key, now - bwindow, '+inf')
		if count >= limit or bcount >= blimit then
			return {0, count}
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count + 1}
`)

const principalKeyPrefix = "ratelimit:principal:"

// RedisLimiter enforces the sliding windows across a fleet through a shared
// Redis. When Redis is unavailable it fails open and admits the request.
type RedisLimiter struct {
	rdb    *redis.Client
	limits Limits
}

// NewRedisLimiter creates a limiter on the given client. Zero caps use the
// package defaults.
func NewRedisLimiter(rdb *redis.Client, limits Limits) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limits: limits.withDefaults()}
}

// Allow checks the principal against both windows.
func (l *RedisLimiter) Allow(ctx context.Context, principal string) (Decision, error) {
	now := time.Now()

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{principalKeyPrefix + principal},
		now.UnixNano(),
		perMinuteWindowDur.Nanoseconds(),
		l.limits.PerMinute,
		burstWindow.Nanoseconds(),
		l.limits.Burst,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		// Redis unavailable, fail open.
		return Decision{
			Allowed:   true,
			Remaining: l.limits.PerMinute,
			Reset:     now,
		}, nil
	}

	remaining := l.limits.PerMinute - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		Reset:     now.Add(perMinuteWindowDur),
	}, nil
}
