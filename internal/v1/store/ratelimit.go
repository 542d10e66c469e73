package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/v1/metrics"
)

// Token bucket per (room, user): capacity 5, refilled at 5 tokens per 5
// seconds. The bucket is stored as "{last_update}:{tokens}" with a 10s TTL
// and mutated by a Lua script so refill and consume are atomic on the
// backplane across server instances.
const (
	rateLimitCapacity = 5
	rateLimitWindow   = 5 * time.Second
	rateLimitKeyTTL   = 10 // seconds
)

func rateLimitKey(room, userID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", room, userID)
}

// KEYS[1] bucket key
// ARGV: now (float seconds), capacity, window seconds, key TTL seconds
// Returns {allowed, remaining tokens, reset_in seconds} as strings.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local last = now
local tokens = capacity
local data = redis.call('GET', key)
if data then
  local sep = string.find(data, ':')
  last = tonumber(string.sub(data, 1, sep - 1))
  tokens = tonumber(string.sub(data, sep + 1))
end

local elapsed = now - last
local refilled = tokens + elapsed * capacity / window
if refilled > capacity then
  refilled = capacity
end

if refilled >= 1 then
  refilled = refilled - 1
  redis.call('SET', key, string.format('%.6f:%.6f', now, refilled), 'EX', ttl)
  return {'1', string.format('%.6f', refilled), '0'}
end

local reset = (1 - tokens) * window / capacity - elapsed
if reset < 0 then
  reset = 0
end
return {'0', string.format('%.6f', refilled), string.format('%.6f', reset)}
`)

// AllowMessage consumes one token from the (room, user) bucket. On denial the
// second return is the number of seconds until one token is available. When
// the backplane is unreachable the check fails open.
func (r *Rooms) AllowMessage(ctx context.Context, room, userID string) (bool, float64, error) {
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := r.bus.Eval(ctx, rateLimitScript, []string{rateLimitKey(room, userID)},
		strconv.FormatFloat(now, 'f', 6, 64),
		rateLimitCapacity,
		int(rateLimitWindow.Seconds()),
		rateLimitKeyTTL,
	)
	if err != nil {
		// Degrade to allow; approximate enforcement is accepted.
		return true, 0, err
	}
	if res == nil {
		return true, 0, nil
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 3 {
		return true, 0, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	allowed := toFloat(parts[0]) >= 1
	resetIn := toFloat(parts[2])
	if !allowed {
		metrics.RateLimitDenials.WithLabelValues(room).Inc()
	}
	return allowed, resetIn, nil
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case int64:
		return float64(val)
	case float64:
		return val
	default:
		return 0
	}
}
