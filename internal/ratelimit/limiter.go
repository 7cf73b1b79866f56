// Package ratelimit provides a Redis-backed token bucket shared across API
// replicas, used to throttle upload submissions per client.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket keyed by client identity. All API
// replicas share one bucket per key through Redis, so the limit holds across
// the whole deployment.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// New constructs a limiter. capacity is the burst size and refillPerSecond
// the sustained rate. Idle buckets expire after ttl.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for key when the bucket has any, reporting the
// remaining balance. The check-and-take runs atomically inside Redis.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := takeScript.Run(ctx, l.client,
		[]string{"ratelimit:" + key},
		l.capacity, l.refill, time.Now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run limiter script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("unexpected limiter reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	remaining := toFloat(arr[1])
	return allowed == 1, remaining, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}

var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'stamp_ms')
local tokens = tonumber(state[1]) or capacity
local stamp = tonumber(state[2]) or now_ms

local elapsed = now_ms - stamp
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate / 1000)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tostring(tokens), 'stamp_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', key, ttl_ms)
end
return {allowed, tostring(tokens)}
`)
