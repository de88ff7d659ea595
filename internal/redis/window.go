package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/ratelimit"
)

// reserveScript prunes every window, refuses if any is full (returning the
// wait in milliseconds until its oldest entry leaves) and otherwise adds one
// member to all of them. Running it as one script keeps the check and the
// record atomic across replicas.
//
// KEYS: window keys. ARGV: now_ms, window_ms, member, limit per key.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local wait = 0
for i, key in ipairs(KEYS) do
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
  local limit = tonumber(ARGV[3 + i])
  if redis.call('ZCARD', key) >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local w = 1
    if oldest[2] then
      w = tonumber(oldest[2]) + window - now
      if w < 1 then w = 1 end
    end
    if w > wait then wait = w end
  end
end
if wait > 0 then
  return wait
end
for _, key in ipairs(KEYS) do
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window + 1000)
end
return 0
`)

// WindowBackend stores sliding windows in Redis sorted sets scored by
// admission time in milliseconds.
type WindowBackend struct {
	client *Client
	logger *zap.Logger
}

var _ ratelimit.Backend = (*WindowBackend)(nil)

// NewWindowBackend creates a Redis-backed limiter backend.
func NewWindowBackend(client *Client, logger *zap.Logger) *WindowBackend {
	return &WindowBackend{client: client, logger: logger}
}

// Reserve implements ratelimit.Backend.
func (b *WindowBackend) Reserve(ctx context.Context, now time.Time, window time.Duration, scopes []ratelimit.Scope) (bool, time.Duration, error) {
	if len(scopes) == 0 {
		return true, 0, nil
	}

	keys := make([]string, len(scopes))
	args := make([]interface{}, 0, 3+len(scopes))
	args = append(args, now.UnixMilli(), window.Milliseconds(), uuid.NewString())
	for i, s := range scopes {
		keys[i] = b.client.key("ratelimit", s.Key)
		args = append(args, s.Limit)
	}

	waitMS, err := reserveScript.Run(ctx, b.client.rdb, keys, args...).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("redis reserve script failed: %w", err)
	}
	if waitMS > 0 {
		b.logger.Debug("rate limit window full",
			zap.Strings("keys", keys),
			zap.Int64("wait_ms", waitMS),
		)
		return false, time.Duration(waitMS) * time.Millisecond, nil
	}
	return true, 0, nil
}

// Count returns the number of admissions currently inside a scope's window.
func (b *WindowBackend) Count(ctx context.Context, scope string, now time.Time, window time.Duration) (int, error) {
	key := b.client.key("ratelimit", scope)
	n, err := b.client.rdb.ZCount(ctx, key,
		fmt.Sprintf("(%d", now.Add(-window).UnixMilli()),
		fmt.Sprintf("%d", now.UnixMilli()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcount failed: %w", err)
	}
	return int(n), nil
}
