package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/metrics"
	"github.com/kelvinguchu/t3clone-sub003/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const rateLimitKeyPrefix = "ratelimit:"

// slidingWindowScript trims, counts and conditionally records one event on
// every key. The event is added to all keys only when every key is under its
// limit, so a rejected attempt never inflates any window.
// KEYS: window keys. ARGV: now ms, member, then (window ms, limit) per key.
// Reply: {failedIndex, count1, oldest1, count2, oldest2, ...}; oldest is -1
// for an empty window.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local counts = {}
local oldest = {}
local failed = 0
for i = 1, #KEYS do
	local window = tonumber(ARGV[1 + 2 * i])
	local limit = tonumber(ARGV[2 + 2 * i])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', '(' .. (now - window))
	local c = redis.call('ZCARD', KEYS[i])
	counts[i] = c
	local first = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
	if #first > 0 then
		oldest[i] = tonumber(first[2])
	else
		oldest[i] = -1
	end
	if failed == 0 and c >= limit then
		failed = i
	end
end
if failed == 0 then
	for i = 1, #KEYS do
		redis.call('ZADD', KEYS[i], now, member)
		redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[1 + 2 * i]))
		if oldest[i] < 0 then
			oldest[i] = now
		end
	end
end
local out = {failed}
for i = 1, #KEYS do
	out[#out + 1] = counts[i]
	out[#out + 1] = oldest[i]
end
return out
`)

// RateLimiter is a sliding window limiter over named scopes.
type RateLimiter interface {
	// Attempt records one event for scope in rule's window if the window has
	// room, and reports the outcome.
	Attempt(ctx context.Context, scope string, rule config.WindowRule) models.RateLimitResult
	// AttemptAll evaluates every scope against every rule as one atomic unit.
	AttemptAll(ctx context.Context, scopes []string, rules []config.WindowRule) models.RateLimitResult
	// Reset clears the window of scope. Administrative use only.
	Reset(ctx context.Context, scope, window string) error
}

// RateLimiterOptions tunes failure handling.
type RateLimiterOptions struct {
	FailOpen  bool
	OpTimeout time.Duration
}

type rateLimiter struct {
	client     redis.UniversalClient
	breaker    *CircuitBreaker
	metrics    *metrics.Metrics
	opts       RateLimiterOptions
	now        func() time.Time
	logLimiter *rate.Limiter
	suppressed atomic.Int64
}

// NewRateLimiter creates a Redis-backed sliding window limiter. breaker,
// m and now may be nil.
func NewRateLimiter(client redis.UniversalClient, breaker *CircuitBreaker, m *metrics.Metrics, opts RateLimiterOptions, now func() time.Time) RateLimiter {
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &rateLimiter{
		client:     client,
		breaker:    breaker,
		metrics:    m,
		opts:       opts,
		now:        now,
		logLimiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

func windowKey(scope, window string) string {
	return rateLimitKeyPrefix + scope + ":" + window
}

func (l *rateLimiter) Attempt(ctx context.Context, scope string, rule config.WindowRule) models.RateLimitResult {
	return l.AttemptAll(ctx, []string{scope}, []config.WindowRule{rule})
}

type windowCheck struct {
	scope string
	rule  config.WindowRule
}

func (l *rateLimiter) AttemptAll(ctx context.Context, scopes []string, rules []config.WindowRule) models.RateLimitResult {
	now := l.now()
	checks := make([]windowCheck, 0, len(scopes)*len(rules))
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		for _, rule := range rules {
			if rule.Limit <= 0 || rule.Window <= 0 {
				continue
			}
			checks = append(checks, windowCheck{scope: scope, rule: rule})
		}
	}
	if len(checks) == 0 {
		return models.RateLimitResult{Allowed: true, ResetAt: now}
	}

	if !l.breaker.Allow() {
		return l.degraded(checks, now, errors.New("circuit open"))
	}

	keys := make([]string, len(checks))
	args := make([]interface{}, 0, 2+2*len(checks))
	nowMs := now.UnixMilli()
	args = append(args, nowMs, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString())
	for i, chk := range checks {
		keys[i] = windowKey(chk.scope, chk.rule.Name)
		args = append(args, chk.rule.Window.Milliseconds(), chk.rule.Limit)
	}

	callCtx := ctx
	if l.opts.OpTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.opts.OpTimeout)
		defer cancel()
	}
	reply, err := slidingWindowScript.Run(callCtx, l.client, keys, args...).Int64Slice()
	if err == nil && len(reply) != 1+2*len(checks) {
		err = fmt.Errorf("unexpected sliding window reply length %d", len(reply))
	}
	if err != nil {
		l.breaker.OnFailure()
		l.metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
		return l.degraded(checks, now, err)
	}
	l.breaker.OnSuccess()

	allowed := reply[0] == 0
	var result models.RateLimitResult
	for i, chk := range checks {
		count := int(reply[1+2*i])
		oldest := reply[2+2*i]
		resetAt := now.Add(chk.rule.Window)
		if oldest >= 0 {
			resetAt = time.UnixMilli(oldest).Add(chk.rule.Window)
		}
		candidate := models.RateLimitResult{
			Allowed:  allowed,
			Limit:    chk.rule.Limit,
			ResetAt:  resetAt,
			Scope:    chk.scope,
			Window:   chk.rule.Name,
			Duration: chk.rule.Window,
		}
		if allowed {
			candidate.Remaining = chk.rule.Limit - count - 1
			if i == 0 || candidate.Remaining < result.Remaining {
				result = candidate
			}
			continue
		}
		// Report the exhausted window that frees up last.
		if count >= chk.rule.Limit && (result.Window == "" || resetAt.After(result.ResetAt)) {
			result = candidate
		}
	}

	if allowed {
		l.metrics.LimiterDecisions.WithLabelValues(result.Window, metrics.ResultAllowed).Inc()
	} else {
		l.metrics.LimiterDecisions.WithLabelValues(result.Window, metrics.ResultRejected).Inc()
		log.Printf("INFO: [RateLimiter] Rejected %s in window %s (limit %d), resets at %s.",
			result.Scope, result.Window, result.Limit, result.ResetAt.Format(time.RFC3339))
	}
	return result
}

// degraded applies the fail-open/fail-closed policy when the store could not
// answer.
func (l *rateLimiter) degraded(checks []windowCheck, now time.Time, cause error) models.RateLimitResult {
	tightest := checks[0]
	for _, chk := range checks[1:] {
		if chk.rule.Limit < tightest.rule.Limit {
			tightest = chk
		}
	}
	result := models.RateLimitResult{
		Allowed:  l.opts.FailOpen,
		Limit:    tightest.rule.Limit,
		ResetAt:  now.Add(tightest.rule.Window),
		Scope:    tightest.scope,
		Window:   tightest.rule.Name,
		Duration: tightest.rule.Window,
		Degraded: true,
	}
	outcome := metrics.ResultFailClosed
	if l.opts.FailOpen {
		outcome = metrics.ResultFailOpen
		result.Remaining = tightest.rule.Limit
	}
	l.metrics.LimiterDecisions.WithLabelValues(result.Window, outcome).Inc()

	if l.logLimiter.Allow() {
		skipped := l.suppressed.Swap(0)
		log.Printf("WARN: [RateLimiter] Store unavailable, %s for %d window checks (%d similar messages suppressed): %v",
			outcome, len(checks), skipped, cause)
	} else {
		l.suppressed.Add(1)
	}
	return result
}

func (l *rateLimiter) Reset(ctx context.Context, scope, window string) error {
	if scope == "" || window == "" {
		return fmt.Errorf("%w: scope and window are required", models.ErrInvalidInput)
	}
	if err := l.client.Del(ctx, windowKey(scope, window)).Err(); err != nil {
		l.metrics.StoreErrors.WithLabelValues("ratelimit_reset").Inc()
		return fmt.Errorf("%w: reset %s/%s: %v", models.ErrStoreUnavailable, scope, window, err)
	}
	log.Printf("INFO: [RateLimiter] Reset window %s for scope %s.", window, scope)
	return nil
}
