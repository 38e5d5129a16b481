package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result contains the rate limit check result.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is the interface for rate limiters.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (*Result, error)
}

// Limiter is a sliding-window limiter shared by every gateway replica
// through Redis sorted sets.
type Limiter struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewLimiter(client *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		client: client,
		window: window,
		prefix: "gateway:ratelimit:",
	}
}

func (l *Limiter) Allow(ctx context.Context, key string, limit int) (*Result, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := l.prefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.PExpire(ctx, redisKey, l.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	result := &Result{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: max(limit-count-1, 0),
		ResetAt:   now.Add(l.window),
	}

	if !result.Allowed {
		// Rejected requests do not consume the window.
		l.client.ZRem(ctx, redisKey, member)
		result.Remaining = 0
	}

	return result, nil
}

// InMemoryLimiter is the single-replica fallback used when Redis is not
// configured.
type InMemoryLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	now      func() time.Time
}

func NewInMemoryLimiter(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		now:      time.Now,
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	var valid []time.Time
	for _, ts := range l.requests[key] {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}

	count := len(valid)
	allowed := count < limit
	if allowed {
		valid = append(valid, now)
	}

	if len(valid) == 0 {
		delete(l.requests, key)
	} else {
		l.requests[key] = valid
	}

	remaining := max(limit-count-1, 0)
	if !allowed {
		remaining = 0
	}

	return &Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(l.window),
	}, nil
}
