// Package ratelimit throttles redemption endpoints with a Redis token bucket.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured = errors.New("ratelimit: limiter not configured")
	ErrInvalidLimit  = errors.New("ratelimit: invalid limit")
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket refills at Rate tokens per second up to Burst.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewTokenBucket returns nil when client is nil; a nil bucket reports ErrNotConfigured.
func NewTokenBucket(client *redis.Client, keyPrefix string) *TokenBucket {
	if client == nil {
		return nil
	}
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = "entl:ratelimit"
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript), prefix: prefix}
}

// NewRedisClient connects to address and pings it. An empty address yields (nil, nil).
func NewRedisClient(ctx context.Context, address string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: trimmed})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Allow spends one token from the bucket named key.
func (b *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Decision, error) {
	if b == nil || b.client == nil {
		return Decision{}, ErrNotConfigured
	}
	if strings.TrimSpace(key) == "" || rate <= 0 || burst <= 0 {
		return Decision{}, ErrInvalidLimit
	}

	ttl := bucketTTL(rate, burst)
	values, err := b.script.Run(ctx, b.client, []string{b.prefix + ":" + key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(values) < 2 {
		return Decision{}, errors.New("ratelimit: unexpected script response")
	}

	allowed, _ := values[0].(int64)
	remaining := 0.0
	if text, ok := values[1].(string); ok {
		remaining, _ = strconv.ParseFloat(text, 64)
	}
	decision := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !decision.Allowed {
		decision.RetryAfter = retryAfter(remaining, rate)
	}
	return decision, nil
}

func retryAfter(remaining, rate float64) time.Duration {
	needed := 1.0 - remaining
	if needed <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(needed/rate*1000)) * time.Millisecond
}

func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// Limiter applies one rate and burst to every key.
type Limiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewLimiter(bucket *TokenBucket, rate float64, burst int) (*Limiter, error) {
	if bucket == nil {
		return nil, ErrNotConfigured
	}
	if rate <= 0 || burst <= 0 {
		return nil, ErrInvalidLimit
	}
	return &Limiter{bucket: bucket, rate: rate, burst: burst}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
