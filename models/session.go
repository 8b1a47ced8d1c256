package models

import (
	"strings"
	"time"
)

// TrustLevel is a coarse classification of how much an anonymous identity
// should be restricted. Ordering: NONE < NEW < LOW < AUTHENTICATED.
type TrustLevel int

const (
	TrustNone TrustLevel = iota
	TrustNew
	TrustLow
	TrustAuthenticated
)

func (t TrustLevel) String() string {
	switch t {
	case TrustNew:
		return "NEW"
	case TrustLow:
		return "LOW"
	case TrustAuthenticated:
		return "AUTHENTICATED"
	default:
		return "NONE"
	}
}

// TierKey is the lowercase key used for the trust tier table in config.
func (t TrustLevel) TierKey() string {
	return strings.ToLower(t.String())
}

// MarshalText implements encoding.TextMarshaler so JSON carries the name.
func (t TrustLevel) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TrustLevel) UnmarshalText(b []byte) error {
	*t = ParseTrustLevel(string(b))
	return nil
}

// ParseTrustLevel maps a name to a level. Unknown names map to TrustNone.
func ParseTrustLevel(s string) TrustLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return TrustNew
	case "LOW":
		return TrustLow
	case "AUTHENTICATED":
		return TrustAuthenticated
	default:
		return TrustNone
	}
}

// AnonymousSession is the quota-carrying identity of an unauthenticated visitor.
// Timestamps are epoch milliseconds.
type AnonymousSession struct {
	SessionID         string     `json:"sessionId"`
	IPHash            string     `json:"ipHash"`
	UserAgentHash     string     `json:"userAgentHash,omitempty"`
	CreatedAt         int64      `json:"createdAt"`
	LastActiveAt      int64      `json:"lastActiveAt"`
	MessageCount      int        `json:"messageCount"`
	DailyMessageLimit int        `json:"dailyMessageLimit"`
	TrustLevel        TrustLevel `json:"trustLevel"`
}

// ExpiresAt is the end of the session's fixed quota period.
func (s *AnonymousSession) ExpiresAt(ttl time.Duration) time.Time {
	return time.UnixMilli(s.CreatedAt).Add(ttl)
}

// IsExpired reports whether now is past createdAt + ttl. The period does not
// roll forward with activity.
func (s *AnonymousSession) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli() > s.CreatedAt+ttl.Milliseconds()
}

// Remaining is the number of messages left in the current period.
func (s *AnonymousSession) Remaining() int {
	if r := s.DailyMessageLimit - s.MessageCount; r > 0 {
		return r
	}
	return 0
}
