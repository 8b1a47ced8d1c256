package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimitExceeded is transient; retry after the window resets.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrQuotaExceeded is terminal for the current quota period.
	ErrQuotaExceeded = errors.New("daily message quota exceeded")
	// ErrSessionNotFound means the session is missing or expired; re-bootstrap.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps shared store faults.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrInvalidInput indicates malformed identifiers or arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// RateLimitError describes the window and scope that rejected a request.
type RateLimitError struct {
	Scope   string
	Window  string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s/%s (limit %d, resets %s)", e.Scope, e.Window, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrRateLimitExceeded.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}
