package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type limiterFixture struct {
	limiter RateLimiter
	mr      *miniredis.Miniredis
	clock   *fakeClock
	metrics *metrics.Metrics
	breaker *CircuitBreaker
}

func newLimiterFixture(t *testing.T, failOpen bool) *limiterFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	clock := newFakeClock()
	m := metrics.New(nil)
	breaker := NewCircuitBreaker(3, time.Second, clock.Now)
	limiter := NewRateLimiter(client, breaker, m, RateLimiterOptions{FailOpen: failOpen, OpTimeout: time.Second}, clock.Now)
	return &limiterFixture{limiter: limiter, mr: mr, clock: clock, metrics: m, breaker: breaker}
}

func TestAttempt_RejectionsDoNotGrowTheWindow(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rule := config.WindowRule{Name: "burst", Window: time.Minute, Limit: 3}

	for i := 0; i < 3; i++ {
		res := f.limiter.Attempt(ctx, "ip:abc", rule)
		require.True(t, res.Allowed, "attempt %d", i)
		assert.Equal(t, 2-i, res.Remaining)
		f.clock.Advance(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		res := f.limiter.Attempt(ctx, "ip:abc", rule)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, "burst", res.Window)
		assert.False(t, res.Degraded)
	}

	members, err := f.mr.ZMembers(windowKey("ip:abc", "burst"))
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.LimiterDecisions.WithLabelValues("burst", metrics.ResultAllowed)))
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.LimiterDecisions.WithLabelValues("burst", metrics.ResultRejected)))
}

func TestAttempt_WindowSlides(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rule := config.WindowRule{Name: "antispam", Window: 2 * time.Second, Limit: 1}
	start := f.clock.Now()

	first := f.limiter.Attempt(ctx, "session:s1", rule)
	require.True(t, first.Allowed)
	assert.Equal(t, start.Add(2*time.Second), first.ResetAt)

	f.clock.Advance(500 * time.Millisecond)
	second := f.limiter.Attempt(ctx, "session:s1", rule)
	assert.False(t, second.Allowed)
	assert.Equal(t, start.Add(2*time.Second), second.ResetAt)
	assert.Equal(t, 1500*time.Millisecond, second.RetryAfter(f.clock.Now()))

	f.clock.Advance(1600 * time.Millisecond)
	third := f.limiter.Attempt(ctx, "session:s1", rule)
	assert.True(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
}

func TestAttempt_ScopesAreIndependent(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rule := config.WindowRule{Name: "antispam", Window: 2 * time.Second, Limit: 1}

	assert.True(t, f.limiter.Attempt(ctx, "ip:a", rule).Allowed)
	assert.True(t, f.limiter.Attempt(ctx, "ip:b", rule).Allowed)
	assert.False(t, f.limiter.Attempt(ctx, "ip:a", rule).Allowed)
}

func TestAttemptAll_NoPartialConsumption(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rules := []config.WindowRule{
		{Name: "antispam", Window: 2 * time.Second, Limit: 1},
		{Name: "burst", Window: time.Minute, Limit: 5},
	}

	res := f.limiter.AttemptAll(ctx, []string{"session:s1", "ip:abc"}, rules)
	require.True(t, res.Allowed)
	// The tightest window is reported.
	assert.Equal(t, "antispam", res.Window)
	assert.Equal(t, 0, res.Remaining)

	f.clock.Advance(100 * time.Millisecond)
	res = f.limiter.AttemptAll(ctx, []string{"session:s1", "ip:abc"}, rules)
	require.False(t, res.Allowed)
	assert.Equal(t, "antispam", res.Window)

	for _, key := range []string{
		windowKey("session:s1", "antispam"),
		windowKey("session:s1", "burst"),
		windowKey("ip:abc", "antispam"),
		windowKey("ip:abc", "burst"),
	} {
		members, err := f.mr.ZMembers(key)
		require.NoError(t, err)
		assert.Len(t, members, 1, key)
	}
}

func TestAttemptAll_ReportsLatestResettingExhaustedWindow(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rules := []config.WindowRule{
		{Name: "antispam", Window: 2 * time.Second, Limit: 1},
		{Name: "burst", Window: time.Minute, Limit: 1},
	}

	require.True(t, f.limiter.AttemptAll(ctx, []string{"ip:abc"}, rules).Allowed)
	f.clock.Advance(time.Second)
	res := f.limiter.AttemptAll(ctx, []string{"ip:abc"}, rules)
	require.False(t, res.Allowed)
	assert.Equal(t, "burst", res.Window)
	assert.Equal(t, 59*time.Second, res.RetryAfter(f.clock.Now()))
}

func TestAttemptAll_NoRulesAllows(t *testing.T) {
	f := newLimiterFixture(t, false)
	res := f.limiter.AttemptAll(context.Background(), []string{"ip:abc"}, nil)
	assert.True(t, res.Allowed)
	assert.False(t, res.Degraded)
}

func TestAttempt_FailOpenWhenStoreDown(t *testing.T) {
	f := newLimiterFixture(t, true)
	rule := config.WindowRule{Name: "burst", Window: time.Minute, Limit: 5}
	f.mr.SetError("ERR simulated outage")

	res := f.limiter.Attempt(context.Background(), "ip:abc", rule)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 5, res.Remaining)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LimiterDecisions.WithLabelValues("burst", metrics.ResultFailOpen)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues("ratelimit")))
}

func TestAttempt_FailClosedWhenStoreDown(t *testing.T) {
	f := newLimiterFixture(t, false)
	rule := config.WindowRule{Name: "burst", Window: time.Minute, Limit: 5}
	f.mr.SetError("ERR simulated outage")

	res := f.limiter.Attempt(context.Background(), "ip:abc", rule)
	assert.False(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LimiterDecisions.WithLabelValues("burst", metrics.ResultFailClosed)))
}

func TestAttempt_BreakerSkipsStoreWhileOpen(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rule := config.WindowRule{Name: "burst", Window: time.Minute, Limit: 5}
	f.mr.SetError("ERR simulated outage")

	for i := 0; i < 3; i++ {
		f.limiter.Attempt(ctx, "ip:abc", rule)
	}
	assert.Equal(t, CircuitOpen, f.breaker.State())

	// Store errors stop growing while the breaker is open.
	f.limiter.Attempt(ctx, "ip:abc", rule)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues("ratelimit")))
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.LimiterDecisions.WithLabelValues("burst", metrics.ResultFailOpen)))

	f.mr.SetError("")
	f.clock.Advance(2 * time.Second)
	res := f.limiter.Attempt(ctx, "ip:abc", rule)
	assert.False(t, res.Degraded)
	assert.Equal(t, CircuitClosed, f.breaker.State())
}

func TestReset(t *testing.T) {
	f := newLimiterFixture(t, true)
	ctx := context.Background()
	rule := config.WindowRule{Name: "antispam", Window: 2 * time.Second, Limit: 1}

	require.True(t, f.limiter.Attempt(ctx, "ip:abc", rule).Allowed)
	require.False(t, f.limiter.Attempt(ctx, "ip:abc", rule).Allowed)
	require.NoError(t, f.limiter.Reset(ctx, "ip:abc", "antispam"))
	assert.True(t, f.limiter.Attempt(ctx, "ip:abc", rule).Allowed)

	assert.Error(t, f.limiter.Reset(ctx, "", "antispam"))
}
