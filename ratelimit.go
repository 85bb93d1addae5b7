package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RatePolicy allows MaxAttempts requests per Window for one route and client.
type RatePolicy struct {
	Name        string
	Window      time.Duration
	MaxAttempts int
}

// RateResult is the outcome of one counter check.
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// CounterStore counts attempts per key.
type CounterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateResult, error)
}

// slidingWindow trims the sorted set to the window, then admits and records the request if
// there is room. Members carry a counter suffix so equal timestamps do not collide.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local current = redis.call('ZCARD', key)

if current < limit then
	local counter = redis.call('INCR', key .. ':seq')
	redis.call('ZADD', key, now, now .. ':' .. counter)
	local ttl = math.ceil(window_ms / 1000)
	redis.call('EXPIRE', key, ttl)
	redis.call('EXPIRE', key .. ':seq', ttl)
	return {1, limit - current - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset_at = 0
if oldest and #oldest >= 2 then
	reset_at = tonumber(oldest[2]) + window_ms
end
return {0, 0, reset_at}
`)

// RedisCounter is a sliding-window counter shared by every replica.
type RedisCounter struct {
	client    redis.Scripter
	keyPrefix string
	now       func() time.Time
}

func NewRedisCounter(client redis.Scripter, keyPrefix string) *RedisCounter {
	return &RedisCounter{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// NewRedisClient parses a redis:// or rediss:// URL. skipVerify disables certificate checks for
// managed instances with self-signed chains.
func NewRedisClient(url string, skipVerify bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if skipVerify {
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.TLSConfig.InsecureSkipVerify = true //nolint:gosec // opt-in via REDIS_TLS_INSECURE_SKIP_VERIFY
	}
	return redis.NewClient(opts), nil
}

func (c *RedisCounter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateResult, error) {
	now := c.now()
	res, err := slidingWindow.Run(ctx, c.client, []string{c.keyPrefix + key},
		now.UnixMilli(), now.Add(-window).UnixMilli(), limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	resetAt := now.Add(window)
	if res[2] > 0 {
		resetAt = time.UnixMilli(res[2])
	}
	return &RateResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   resetAt,
		Limit:     limit,
	}, nil
}

// attemptLog holds the admitted attempts of one key, oldest first.
type attemptLog struct {
	hits     []time.Time
	span     time.Duration
	lastSeen time.Time
}

// MemoryCounter is the in-process sliding-window counter. It applies the same rule as the
// Redis script: at most limit admitted attempts in any window, rejected attempts not recorded.
type MemoryCounter struct {
	mu        sync.Mutex
	logs      map[string]*attemptLog
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{logs: make(map[string]*attemptLog), now: time.Now}
}

// sweepLocked drops logs idle for longer than their window. Callers hold mu.
func (c *MemoryCounter) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < time.Minute {
		return
	}
	c.lastSweep = now
	for k, l := range c.logs {
		if now.Sub(l.lastSeen) > l.span {
			delete(c.logs, k)
		}
	}
}

func (c *MemoryCounter) Allow(_ context.Context, key string, limit int, window time.Duration) (*RateResult, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate policy: %d per %s", limit, window)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)

	l, ok := c.logs[key]
	if !ok {
		l = &attemptLog{}
		c.logs[key] = l
	}
	l.span = window
	l.lastSeen = now

	// an attempt exactly one window old has left it
	cutoff := now.Add(-window)
	expired := 0
	for expired < len(l.hits) && !l.hits[expired].After(cutoff) {
		expired++
	}
	l.hits = l.hits[expired:]

	res := &RateResult{Limit: limit}
	if len(l.hits) < limit {
		l.hits = append(l.hits, now)
		res.Allowed = true
		res.Remaining = limit - len(l.hits)
	}
	res.ResetAt = l.hits[0].Add(window)
	return res, nil
}

// RateLimiter turns policies into chain steps.
type RateLimiter struct {
	store   CounterStore
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	// storeWarn keeps a store outage from flooding the log; the metric counts every failure.
	storeWarn rate.Sometimes
}

func NewRateLimiter(store CounterStore, logger *slog.Logger, metrics *Metrics) *RateLimiter {
	return &RateLimiter{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		storeWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Limit rejects a client with 429 once it exceeds p. If the counter store fails the request
// is let through and the failure is logged.
func (l *RateLimiter) Limit(p RatePolicy) Step {
	return func(w http.ResponseWriter, r *http.Request) Verdict {
		key := p.Name + ":" + clientIP(r)
		res, err := l.store.Allow(r.Context(), key, p.MaxAttempts, p.Window)
		if err != nil {
			l.storeWarn.Do(func() {
				l.logger.WarnContext(r.Context(), "rate limit store unavailable, allowing requests",
					"policy", p.Name, "error", err)
			})
			l.metrics.rateLimitStoreError(p.Name)
			return Continue(r)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retry := int(math.Ceil(res.ResetAt.Sub(l.now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			l.metrics.rateLimited(p.Name)
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts, try again later")
			return Respond()
		}
		return Continue(r)
	}
}
