package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/inkpad/server/internal/reqmeta"
	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window request counter.
type Limiter interface {
	// Allow counts a request against key and reports whether it is within limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Remaining returns how many requests key may still make in the current window.
	Remaining(ctx context.Context, key string, limit int) (int, error)
	// ResetTime returns when the current window of key ends.
	ResetTime(ctx context.Context, key string) (time.Time, error)
	// Now is the clock ResetTime is measured against.
	Now() time.Time
}

// Policy names a limit for one group of endpoints.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

type window struct {
	count int
	start time.Time
	size  time.Duration
}

func (w *window) end() time.Time { return w.start.Add(w.size) }

// MemoryLimiter implements Limiter in process memory. Counters are not shared
// between instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter whose expired windows are swept every
// sweepInterval.
func NewMemoryLimiter(sweepInterval time.Duration) *MemoryLimiter {
	rl := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	if sweepInterval > 0 {
		go rl.cleanup(sweepInterval)
	}

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *MemoryLimiter) Allow(_ context.Context, key string, limit int, size time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end()) {
		w = &window{start: now, size: size}
		rl.windows[key] = w
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Remaining implements Limiter.
func (rl *MemoryLimiter) Remaining(_ context.Context, key string, limit int) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !rl.now().Before(w.end()) {
		return limit, nil
	}
	return max(0, limit-w.count), nil
}

// ResetTime implements Limiter.
func (rl *MemoryLimiter) ResetTime(_ context.Context, key string) (time.Time, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !rl.now().Before(w.end()) {
		return rl.now(), nil
	}
	return w.end(), nil
}

// Now implements Limiter.
func (rl *MemoryLimiter) Now() time.Time { return rl.now() }

// Close stops the sweeper.
func (rl *MemoryLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// sweep removes expired windows.
func (rl *MemoryLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, w := range rl.windows {
		if !now.Before(w.end()) {
			delete(rl.windows, key)
		}
	}
}

func (rl *MemoryLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// cleanup periodically removes old entries to prevent memory leaks
func (rl *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

const rateLimitPrefix = "ratelimit:"

// INCR and PEXPIRE in one round trip; the window starts at the first hit.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter implements Limiter on Redis so every instance shares one budget.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, size time.Duration) (bool, error) {
	res, err := incrWindow.Run(ctx, l.client, []string{rateLimitPrefix + key}, size.Milliseconds()).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("rate limit incr: unexpected reply %v", res)
	}
	return res[0] <= int64(limit), nil
}

// Remaining implements Limiter.
func (l *RedisLimiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	n, err := l.client.Get(ctx, rateLimitPrefix+key).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit get: %w", err)
	}
	return max(0, limit-n), nil
}

// ResetTime implements Limiter.
func (l *RedisLimiter) ResetTime(ctx context.Context, key string) (time.Time, error) {
	ttl, err := l.client.PTTL(ctx, rateLimitPrefix+key).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("rate limit pttl: %w", err)
	}
	if ttl < 0 {
		return l.now(), nil
	}
	return l.now().Add(ttl), nil
}

// Now implements Limiter.
func (l *RedisLimiter) Now() time.Time { return l.now() }

// RateLimit rejects requests over the policy with 429 before the handler
// runs. Limiter failures are logged and the request is let through.
func RateLimit(limiter Limiter, policy Policy, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := policy.Name + ":" + keyFunc(r)

			allowed, err := limiter.Allow(ctx, key, policy.Limit, policy.Window)
			if err != nil {
				slog.Error("rate limiter unavailable", "policy", policy.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			if remaining, err := limiter.Remaining(ctx, key, policy.Limit); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			reset, err := limiter.ResetTime(ctx, key)
			if err == nil {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}

			if !allowed {
				retry := policy.Window
				if err == nil {
					retry = reset.Sub(limiter.Now())
				}
				secs := int(math.Ceil(retry.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				slog.Warn("rate limit exceeded", "policy", policy.Name, "key", keyFunc(r))
				respondWithError(w, http.StatusTooManyRequests, "Too many requests, try again later", "RateLimitExceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey keys rate limits by client IP.
func IPKey(r *http.Request) string {
	return "ip:" + reqmeta.ClientIP(r)
}
