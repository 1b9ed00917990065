// Package ratelimit guards the HTTP surface against abusive callers with a
// per-client token bucket, independent of the outbound scheduler quota.
//
// ClientIP trusts X-Forwarded-For and X-Real-IP. The service must run behind
// a reverse proxy that overwrites those headers; exposed directly, a caller
// can rotate them to get a fresh bucket on every request.
package ratelimit

import (
	"net"
	"net/http"
	"time"

	"github.com/tomasen/realip"
)

// Limiter decides whether a caller identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(key string) (allowed bool, info Info)
	Close()
}

// Info carries bucket state for the X-RateLimit-* response headers.
type Info struct {
	Limit      int           // requests per minute
	Remaining  int           // whole tokens left after this call
	ResetAt    time.Time     // when the bucket is full again
	RetryAfter time.Duration // set only when denied
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the first public X-Forwarded-For address, then
// X-Real-IP, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := realip.FromRequest(r); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
