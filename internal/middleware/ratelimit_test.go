package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	rl := NewMemoryLimiter(0)
	now := time.Now()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 3, time.Minute)
	assert.False(t, ok)

	remaining, _ := rl.Remaining(ctx, "k", 3)
	assert.Equal(t, 0, remaining)
	reset, _ := rl.ResetTime(ctx, "k")
	assert.Equal(t, now.Add(time.Minute), reset)

	// Other keys are independent.
	ok, _ = rl.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = rl.Allow(ctx, "k", 3, time.Minute)
	assert.True(t, ok, "new window after expiry")
	remaining, _ = rl.Remaining(ctx, "k", 3)
	assert.Equal(t, 2, remaining)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	rl := NewMemoryLimiter(0)
	now := time.Now()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = rl.Allow(ctx, "a", 5, time.Minute)
	_, _ = rl.Allow(ctx, "b", 5, time.Hour)
	assert.Equal(t, 2, rl.size())

	now = now.Add(2 * time.Minute)
	rl.sweep()
	assert.Equal(t, 1, rl.size())
}

func TestMemoryLimiter_CloseStopsSweeper(t *testing.T) {
	rl := NewMemoryLimiter(time.Millisecond)
	rl.Close()
	rl.Close()
}

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client), mr
}

func TestRedisLimiter_SharedCounter(t *testing.T) {
	rl, mr := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "login:ip:1.2.3.4", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "login:ip:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := rl.Remaining(ctx, "login:ip:1.2.3.4", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	assert.Equal(t, time.Minute, mr.TTL("ratelimit:login:ip:1.2.3.4"))
	reset, err := rl.ResetTime(ctx, "login:ip:1.2.3.4")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), reset, 2*time.Second)

	// A second limiter on the same Redis sees the same budget.
	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = otherClient.Close() })
	other := NewRedisLimiter(otherClient)
	ok, err = other.Allow(ctx, "login:ip:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute)
	ok, err = rl.Allow(ctx, "login:ip:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, err = rl.Remaining(ctx, "unused", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	rl, mr := newTestRedisLimiter(t)
	mr.Close()
	_, err := rl.Allow(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_HeadersAndRejection(t *testing.T) {
	rl := NewMemoryLimiter(0)
	policy := Policy{Name: "login", Limit: 2, Window: 15 * time.Minute}
	h := RateLimit(rl, policy, IPKey)(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := send("10.0.0.1:5000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = send("10.0.0.1:5001")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 900, retry, 2)
	assert.Contains(t, rec.Body.String(), "RateLimitExceeded")

	rec = send("10.0.0.2:5000")
	assert.Equal(t, http.StatusOK, rec.Code, "other clients are unaffected")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenLimiter) Remaining(context.Context, string, int) (int, error) {
	return 0, errors.New("redis down")
}

func (brokenLimiter) ResetTime(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("redis down")
}

func (brokenLimiter) Now() time.Time { return time.Now() }

func TestRateLimit_RetryAfterUsesLimiterClock(t *testing.T) {
	rl := NewMemoryLimiter(0)
	t.Cleanup(rl.Close)
	now := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := RateLimit(rl, Policy{Name: "login", Limit: 1, Window: 15 * time.Minute}, IPKey)(okHandler())
	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	now = now.Add(5 * time.Minute)
	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Retry-After"))
	assert.Equal(t, strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(brokenLimiter{}, Policy{Name: "login", Limit: 1, Window: time.Minute}, IPKey)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
