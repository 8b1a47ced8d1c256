package utils

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashIdentifier returns a keyed BLAKE2b-256 hex digest of value. Raw IPs and
// user agents are never stored, only these digests. Empty input hashes to "".
func HashIdentifier(salt, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var key []byte
	if salt != "" {
		// blake2b keys are limited to 64 bytes.
		sum := blake2b.Sum512([]byte(salt))
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with an oversize key, which the Sum512 above rules out.
		sum := blake2b.Sum256([]byte(salt + value))
		return hex.EncodeToString(sum[:])
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// ClientIP extracts the originating address: the first entry of
// X-Forwarded-For, then X-Real-IP, then the connection's remote address.
// Ports are stripped and whitespace trimmed. Returns "" when nothing usable
// is present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			first = fwd[:i]
		}
		if ip := StripPort(first); ip != "" {
			return ip
		}
	}
	if ip := StripPort(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return StripPort(r.RemoteAddr)
}

// StripPort trims whitespace and removes a trailing port from host:port,
// [v6]:port and [v6] forms. A bare IPv6 address is returned unchanged.
func StripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return strings.TrimSpace(host)
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}
