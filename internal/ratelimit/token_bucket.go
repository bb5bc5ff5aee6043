// Package ratelimit throttles operator-initiated actions per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one token request.
type Decision struct {
	Allowed bool
	// Remaining is the token balance after the request, in whole tokens.
	Remaining float64
	// RetryAfter is how long until one token is available again. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	perSec   float64
	idleTTL  time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding capacity tokens that refills at perSec.
// Buckets untouched for idleTTL are dropped and start full again.
func NewTokenBucket(client *redis.Client, capacity int, perSec float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:",
		capacity: capacity,
		perSec:   perSec,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// AllowManualTrigger takes one token from the tenant's manual-trigger bucket.
func (b *TokenBucket) AllowManualTrigger(ctx context.Context, tenantID string) (Decision, error) {
	return b.Take(ctx, "manual-trigger:"+tenantID)
}

// Take consumes one token from bucket key when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.perSec, b.now().UnixMilli(), b.idleTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply of %d values", key, len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  float64(reply[1]) / 1000,
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// Redis truncates Lua numbers to integers, so balances travel as milli-tokens.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'balance', 'updated_ms')
local balance = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now_ms

local elapsed = now_ms - updated
if elapsed > 0 then
  balance = math.min(capacity, balance + elapsed * per_sec / 1000)
end

local granted = 0
local wait_ms = 0
if balance >= 1 then
  granted = 1
  balance = balance - 1
elseif per_sec > 0 then
  wait_ms = math.ceil((1 - balance) * 1000 / per_sec)
else
  wait_ms = -1
end

redis.call('HSET', KEYS[1], 'balance', balance, 'updated_ms', now_ms)
if idle_ms > 0 then redis.call('PEXPIRE', KEYS[1], idle_ms) end
return {granted, math.floor(balance * 1000), wait_ms}
`)
