/**
 * @description
 * Per-operator budget for approve/reject requests. The budget lives in Redis so
 * every replica of the service charges the same counter.
 *
 * @notes
 * - Only admitted requests are counted. A refused request leaves the counter
 *   untouched, so hammering the button while throttled does not extend the wait.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	transitionRateLimitScope  = "deposit_transition"
	transitionRateLimitWindow = time.Minute
	defaultRateLimitPrefix    = "deposit_review:rate_limit"
)

// KEYS[1] budget key; ARGV[1] window in ms; ARGV[2] requests per window.
// Returns {admitted (0|1), ms until the window resets}.
var transitionBudgetScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
if used >= tonumber(ARGV[2]) then
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
  end
  return {0, ttl}
end
used = redis.call("INCR", KEYS[1])
if used == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {1, ttl}
`)

// RedisTransitionLimiter admits at most perMinute transition requests per
// operator in each one-minute window.
type RedisTransitionLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisTransitionLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisTransitionLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisTransitionLimiter{
		client: client,
		prefix: prefix,
		limit:  perMinute,
		window: transitionRateLimitWindow,
	}
}

// Allow charges one request to operatorID. It returns *RateLimitError when the
// operator's budget for the current window is spent; any other error means the
// budget could not be checked.
func (l *RedisTransitionLimiter) Allow(ctx context.Context, operatorID string) error {
	if l == nil || l.client == nil || l.limit <= 0 {
		return nil
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil
	}

	reply, err := transitionBudgetScript.Run(ctx, l.client, []string{l.key(operatorID)}, l.window.Milliseconds(), l.limit).Int64Slice()
	if err != nil {
		return fmt.Errorf("transition budget: %w", err)
	}
	if len(reply) != 2 {
		return fmt.Errorf("transition budget: unexpected reply %v", reply)
	}
	if reply[0] == 1 {
		return nil
	}
	return &RateLimitError{RetryAfterSeconds: retryAfterSeconds(time.Duration(reply[1]) * time.Millisecond)}
}

func (l *RedisTransitionLimiter) key(operatorID string) string {
	return l.prefix + ":" + transitionRateLimitScope + ":" + operatorID
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
