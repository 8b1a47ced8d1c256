package models

import "time"

// RateLimitResult is the outcome of a sliding window attempt.
type RateLimitResult struct {
	Allowed   bool          `json:"allowed"`
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	ResetAt   time.Time     `json:"resetAt"`
	Scope     string        `json:"scope,omitempty"`
	Window    string        `json:"window,omitempty"`
	Duration  time.Duration `json:"-"`
	// Degraded is set when the store could not be consulted and the result
	// reflects the configured fail-open/fail-closed policy instead.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter is the time until the window frees a slot, floored at zero.
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Err returns a *RateLimitError for a rejected result and nil otherwise.
func (r RateLimitResult) Err() error {
	if r.Allowed {
		return nil
	}
	return &RateLimitError{Scope: r.Scope, Window: r.Window, Limit: r.Limit, ResetAt: r.ResetAt}
}
