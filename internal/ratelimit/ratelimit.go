// Package ratelimit provides atomic send-budget counters on Redis. A Lua
// script checks the limit before incrementing, so concurrent senders cannot
// race past the cap with a GET-check-INCR sequence.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const allowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local updated = redis.call("INCR", key)
if updated == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, updated}
`

// Limiter wraps the shared Redis client with the budget script.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// New builds a limiter over the given client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, script: redis.NewScript(allowScript)}
}

// Allow consumes one unit of the key's budget if the limit permits.
// Returns whether the unit was granted and the counter value after the call.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, ttl time.Duration) (bool, int, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{key}, limit, int(ttl.Seconds())).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	current, _ := res[1].(int64)
	return allowed == 1, int(current), nil
}

// Count reads the key's current counter without consuming budget.
func (l *Limiter) Count(ctx context.Context, key string) (int, error) {
	n, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit count %s: %w", key, err)
	}
	return n, nil
}

// DailyKey is the per-campaign daily send budget key. The counter expires
// two days after creation; the date in the key does the real scoping.
func DailyKey(campaignID string, now time.Time) string {
	return fmt.Sprintf("blastcap:%s:%s", campaignID, now.Format("2006-01-02"))
}

// HourlyRetryKey is the per-campaign retry budget key for the current hour.
func HourlyRetryKey(campaignID string, now time.Time) string {
	return fmt.Sprintf("blastretry:%s:%s", campaignID, now.Format("2006010215"))
}
