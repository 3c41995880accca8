package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript refills by elapsed Redis time, spends one token when it can and
// returns {allowed, tokens_left, now_ms}.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) / 1000 * rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), now}
`)

var errBucketReply = errors.New("invalid token bucket reply")

// Decision is the outcome of one token bucket draw.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

type TokenBucket struct {
	client *redis.Client
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

// Allow draws one token from key, refilling at rate tokens per second up to
// burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Decision, error) {
	denied := &Decision{Limit: burst}
	switch {
	case t == nil || t.client == nil:
		return denied, errors.New("rate limiter not configured")
	case key == "":
		return denied, errors.New("rate limiter key is empty")
	case rate <= 0 || burst <= 0:
		return denied, fmt.Errorf("rate limiter needs positive rate and burst, got %v/%d", rate, burst)
	}

	reply, err := bucketScript.Run(ctx, t.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return denied, err
	}
	return decide(reply, rate, burst)
}

func decide(reply []interface{}, rate float64, burst int) (*Decision, error) {
	if len(reply) < 3 {
		return &Decision{Limit: burst}, errBucketReply
	}
	allowed := asInt(reply[0]) == 1
	left := asFloat(reply[1])
	now := time.UnixMilli(asInt(reply[2]))

	d := &Decision{Allowed: allowed, Limit: burst, Remaining: int(left), ResetTime: now}
	if !allowed && left < 1 {
		d.RetryAfter = time.Duration((1 - left) / rate * float64(time.Second))
		d.ResetTime = now.Add(d.RetryAfter)
	}
	return d, nil
}

// bucketTTL keeps idle buckets for twice the time a full refill takes.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return parsed
	}
	return 0
}
