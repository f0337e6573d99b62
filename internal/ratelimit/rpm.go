// Package ratelimit implements per-user requests-per-minute limiting.
//
// RPMLimiter keeps a Redis sliding window per user so the limit holds across
// gateway replicas; LocalLimiter is an in-process token bucket used when no
// Redis is configured and as the fallback while Redis is unreachable.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request from userID fits in the limit.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

func userKey(userID string) string {
	return "ratelimit:user:" + userID + ":rpm"
}

// RPMLimiter checks a per-user requests-per-minute limit using a Redis
// sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	fallback Limiter
	now      func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per user per
// minute. rpmLimit must be > 0; values ≤ 0 will block every request.
//
// When Redis fails, fallback decides instead; with a nil fallback the request
// is allowed.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, fallback Limiter) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, fallback: fallback, now: time.Now}
}

// Allow returns true if the current request is within userID's limit. The
// returned error reports a Redis failure; the decision is still usable.
func (r *RPMLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{userKey(userID)},
		r.now().UnixNano(), time.Minute.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		if r.fallback != nil {
			allowed, _ := r.fallback.Allow(ctx, userID)
			return allowed, err
		}
		return true, err
	}

	return result == 1, nil
}
