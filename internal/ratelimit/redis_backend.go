package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend decides rate limits outside the local process.
type Backend interface {
	// Check atomically refills the bucket, trims the window, and either
	// admits the request (consuming cost) or denies it.
	Check(ctx context.Context, key string, maxTokens int, refillRate float64, windowLimit int, window time.Duration, cost int) (bool, error)
}

// bucketWindowScript performs the full admission decision atomically:
// token bucket refill + consume, and sliding-window count against the
// per-minute limit. State lives in a hash (bucket) and a sorted set (window).
//
// Keys: KEYS[1] = bucket hash, KEYS[2] = window zset
// Args: ARGV[1] = max_tokens, ARGV[2] = refill_rate (tokens/sec),
//
//	ARGV[3] = window_limit, ARGV[4] = window_usec,
//	ARGV[5] = cost, ARGV[6] = now (unix microseconds)
var bucketWindowScript = redis.NewScript(`
local bucket_key = KEYS[1]
local window_key = KEYS[2]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local window_limit = tonumber(ARGV[3])
local window_usec = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])
local now = tonumber(ARGV[6])

local bucket = redis.call("HMGET", bucket_key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
    tokens = max_tokens
    last_refill = now
end

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
end

redis.call("ZREMRANGEBYSCORE", window_key, 0, now - window_usec)
local in_window = redis.call("ZCARD", window_key)

local allowed = 0
if tokens >= cost and in_window + cost <= window_limit then
    tokens = tokens - cost
    allowed = 1
    for i = 1, cost do
        redis.call("ZADD", window_key, now, tostring(now) .. ":" .. tostring(i))
    end
end

redis.call("HMSET", bucket_key, "tokens", tostring(tokens), "last_refill", tostring(now))
local ttl = math.ceil(window_usec / 1000000) * 2
if ttl < 60 then ttl = 60 end
redis.call("EXPIRE", bucket_key, ttl)
redis.call("EXPIRE", window_key, ttl)

return allowed
`)

// RedisBackend runs the admission script against a shared Redis so multiple
// bridge processes enforce one combined limit per client.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend builds a backend over an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "rave:rl:"}
}

func (b *RedisBackend) Check(ctx context.Context, key string, maxTokens int, refillRate float64, windowLimit int, window time.Duration, cost int) (bool, error) {
	res, err := bucketWindowScript.Run(ctx, b.client,
		[]string{b.prefix + "bucket:" + key, b.prefix + "window:" + key},
		maxTokens, refillRate, windowLimit, window.Microseconds(), cost, redisTimeNow(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit check: %w", err)
	}
	return res == 1, nil
}

// redisTimeNow returns microseconds for the Lua script; injectable in tests.
var redisTimeNow = func() int64 {
	return time.Now().UnixMicro()
}
