// Package ratelimit implements per-client rate limiting (C2) using Redis
// sliding-window counters guarded by atomic Lua scripts — the same
// technique the teacher's global RPMLimiter uses for its workspace-wide
// requests-per-minute check, keyed per client here instead of per
// workspace, and extended with a token-cost-aware variant for the
// tokens-per-minute limit.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// requestWindowScript is an atomic Lua script implementing a sliding
// window request counter using a sorted set: identical in shape to the
// teacher's global RPMLimiter script, parameterized by key so each client
// gets an independent window.
// KEYS[1] = rate limit key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var requestWindowScript = redis.NewScript(`
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
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return 1
`)

// tokenWindowScript is a sliding-window variant that tracks a per-entry
// token cost rather than a plain count: each admitted request is recorded
// as "<timestamp>:<cost>:<nonce>", and a new request is admitted only if
// the sum of costs still inside the window plus its own cost stays within
// limit.
// KEYS[1] = rate limit key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = cost of the request being admitted
// ARGV[4] = limit (max total cost per window)
// Returns: 1 if allowed, 0 if rate limited.
var tokenWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local cost   = tonumber(ARGV[3])
	local limit  = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local members = redis.call('ZRANGE', key, 0, -1)
	local total = 0
	for _, m in ipairs(members) do
		local c = string.match(m, ':(%d+):%d+$')
		total = total + tonumber(c)
	end

	if total + cost > limit then
		return 0
	end

	local member = tostring(now) .. ':' .. tostring(cost) .. ':' .. tostring(math.random(1, 1000000))
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return 1
`)

const (
	requestKeyPrefix = "ratelimit:req:"
	tokenKeyPrefix   = "ratelimit:tok:"
	window           = time.Minute
)

// MinTokenEstimate is the floor applied to the pre-consumption token
// estimate when Content-Length is absent or small. The estimate is
// intentionally pessimistic and is never reconciled against the upstream's
// reported usage.
const MinTokenEstimate = 100

// EstimateTokens derives the rate limiter's pre-consumption token estimate
// from the request's Content-Length header value (0 when absent).
func EstimateTokens(contentLength int) int {
	est := contentLength / 4
	if est < MinTokenEstimate {
		est = MinTokenEstimate
	}
	return est
}

// Registry enforces per-client requests-per-minute and tokens-per-minute
// limits against Redis. A nil rdb (no cache backend configured at startup)
// disables rate limiting entirely rather than failing requests; the same
// applies when rdb is configured but unreachable, mirroring the teacher's
// own "Redis unavailable — allow request" graceful degradation.
type Registry struct {
	rdb               *redis.Client
	requestsPerMinute int
	tokensPerMinute   int
}

// NewRegistry creates a registry enforcing the given per-minute limits
// against rdb. rdb may be nil, in which case every check passes.
func NewRegistry(rdb *redis.Client, requestsPerMinute, tokensPerMinute int) *Registry {
	return &Registry{rdb: rdb, requestsPerMinute: requestsPerMinute, tokensPerMinute: tokensPerMinute}
}

// AllowRequest reports whether clientKey has a free slot in its
// requests-per-minute sliding window.
func (r *Registry) AllowRequest(ctx context.Context, clientKey string) bool {
	if r.rdb == nil {
		return true
	}
	now := time.Now().UnixNano()
	result, err := requestWindowScript.Run(ctx, r.rdb,
		[]string{requestKeyPrefix + clientKey},
		now, window.Nanoseconds(), r.requestsPerMinute,
	).Int()
	if err != nil {
		return true // Redis unavailable — allow request (graceful degradation).
	}
	return result == 1
}

// AllowTokens reports whether consuming estimate more tokens keeps
// clientKey within its tokens-per-minute sliding window.
func (r *Registry) AllowTokens(ctx context.Context, clientKey string, estimate int) bool {
	if r.rdb == nil {
		return true
	}
	now := time.Now().UnixNano()
	result, err := tokenWindowScript.Run(ctx, r.rdb,
		[]string{tokenKeyPrefix + clientKey},
		now, window.Nanoseconds(), estimate, r.tokensPerMinute,
	).Int()
	if err != nil {
		return true // Redis unavailable — allow request (graceful degradation).
	}
	return result == 1
}
