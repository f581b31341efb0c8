package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a delivery to host may go out right now.
// A refusal is not an attempt: callers defer the delivery instead.
type RateLimiter interface {
	Admit(ctx context.Context, host string, limit domain.RateLimit) bool
}

// TokenBucketLimiter is a process-local, per-host token bucket.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   clock.Clock
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewTokenBucketLimiter(clk clock.Clock) *TokenBucketLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		clock:   clk,
	}
}

// Admit takes one token from host's bucket. Buckets refill at
// RequestsPerSecond up to Burst (RequestsPerSecond when Burst is unset).
func (l *TokenBucketLimiter) Admit(_ context.Context, host string, limit domain.RateLimit) bool {
	if limit.RequestsPerSecond <= 0 {
		return true // No rate limit configured
	}

	capacity := float64(limit.Burst)
	if capacity <= 0 {
		capacity = float64(limit.RequestsPerSecond)
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		l.buckets[host] = b
	}

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(limit.RequestsPerSecond)
		b.last = now
	}
	if b.tokens > capacity {
		b.tokens = capacity
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RedisLimiter is a per-host sliding window limiter shared by every process
// pointed at the same Redis. It uses a sorted set where each member is a
// unique request ID scored by its timestamp; a Lua script atomically drops
// expired entries, checks the count and records the new request.
type RedisLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
}

// Lua script for atomic sliding window rate limiting.
// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. If under the limit, add a new entry and return 1 (allowed)
// 4. If at/over the limit, return 0 (denied)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
else
    return 0
end
`)

func NewRedisLimiter(redisClient *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      time.Second,
	}
}

func rlKey(host string) string {
	return fmt.Sprintf("rl:%s", host)
}

// Admit records the request in host's window if there is room. Bursts above
// RequestsPerSecond are allowed up to Burst within the window.
func (rl *RedisLimiter) Admit(ctx context.Context, host string, limit domain.RateLimit) bool {
	if limit.RequestsPerSecond <= 0 {
		return true
	}

	allowed := limit.RequestsPerSecond
	if limit.Burst > allowed {
		allowed = limit.Burst
	}

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(host)},
		time.Now().UnixMilli(), rl.window.Milliseconds(), allowed, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "host", host)
		return true // Fail open: the limiter is advisory
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "host", host, "limit", allowed)
		return false
	}
	return true
}
