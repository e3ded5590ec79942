// Package ratelimit enforces the per-tenant admission quotas (hourly and
// daily windows, checked atomically in Redis) and the per-tenant delivery
// concurrency cap.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// reserveScript checks both windows and increments both only when the
// whole reservation fits. Partial increments never happen, so a burst
// that exceeds the daily cap cannot consume hourly budget.
//
// KEYS[1] hourly counter, KEYS[2] daily counter
// ARGV[1] n, ARGV[2] hourly limit, ARGV[3] daily limit,
// ARGV[4] hourly TTL seconds, ARGV[5] daily TTL seconds
//
// Returns {1} on success, {0, "hour"|"day", remaining} on rejection.
var reserveScript = redis.NewScript(`
	local n = tonumber(ARGV[1])
	local hourLimit = tonumber(ARGV[2])
	local dayLimit = tonumber(ARGV[3])

	local hourUsed = tonumber(redis.call("GET", KEYS[1]) or "0")
	local dayUsed = tonumber(redis.call("GET", KEYS[2]) or "0")

	if hourUsed + n > hourLimit then
		return {0, "hour", hourLimit - hourUsed}
	end
	if dayUsed + n > dayLimit then
		return {0, "day", dayLimit - dayUsed}
	end

	redis.call("INCRBY", KEYS[1], n)
	redis.call("INCRBY", KEYS[2], n)
	redis.call("EXPIRE", KEYS[1], ARGV[4])
	redis.call("EXPIRE", KEYS[2], ARGV[5])
	return {1}
`)

// Limiter reserves quota units against fixed hourly and daily windows.
// Window buckets are keyed by their start time, so counters reset exactly
// on the hour and on the UTC day boundary.
type Limiter struct {
	client *redis.Client
	clock  domain.Clock
}

func NewLimiter(client *redis.Client, clock domain.Clock) *Limiter {
	return &Limiter{client: client, clock: clock}
}

// Reserve atomically takes n units of a tenant's hourly and daily quota.
// The whole batch is admitted or rejected; on rejection the returned
// QuotaError names the tight window and the time until it rolls over.
func (l *Limiter) Reserve(ctx context.Context, tenantID string, n int, limits domain.TenantLimits) error {
	if n <= 0 {
		return nil
	}
	now := l.clock.Now().UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := now.Truncate(24 * time.Hour)

	hourKey := fmt.Sprintf("quota:%s:h:%d", tenantID, hourStart.Unix())
	dayKey := fmt.Sprintf("quota:%s:d:%d", tenantID, dayStart.Unix())

	// TTL one window past the boundary so slow readers still see the bucket.
	hourTTL := int(2 * time.Hour / time.Second)
	dayTTL := int(48 * time.Hour / time.Second)

	res, err := reserveScript.Run(ctx, l.client,
		[]string{hourKey, dayKey},
		n, limits.EmailsPerHour, limits.EmailsPerDay, hourTTL, dayTTL,
	).Slice()
	if err != nil {
		return fmt.Errorf("quota reserve: %w", err)
	}

	ok, _ := res[0].(int64)
	if ok == 1 {
		return nil
	}

	window := "hour"
	if len(res) > 1 {
		if s, isStr := res[1].(string); isStr {
			window = s
		}
	}
	remaining := 0
	if len(res) > 2 {
		switch v := res[2].(type) {
		case int64:
			remaining = int(v)
		case string:
			remaining, _ = strconv.Atoi(v)
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	switch window {
	case "day":
		retryAfter = dayStart.Add(24 * time.Hour).Sub(now)
	default:
		retryAfter = hourStart.Add(time.Hour).Sub(now)
	}
	return &domain.QuotaError{Window: window, Remaining: remaining, RetryAfter: retryAfter}
}

// Usage reports the units consumed in the current hourly and daily windows.
func (l *Limiter) Usage(ctx context.Context, tenantID string) (hour, day int, err error) {
	now := l.clock.Now().UTC()
	hourKey := fmt.Sprintf("quota:%s:h:%d", tenantID, now.Truncate(time.Hour).Unix())
	dayKey := fmt.Sprintf("quota:%s:d:%d", tenantID, now.Truncate(24*time.Hour).Unix())

	vals, err := l.client.MGet(ctx, hourKey, dayKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("quota usage: %w", err)
	}
	parse := func(v any) int {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	return parse(vals[0]), parse(vals[1]), nil
}
