package server

import (
	"crypto/subtle"
	"net"
	"net/http"

	"github.com/datatrails/go-datatrails-common/logger"
)

// requireSecret enforces the x-vailix-secret header via a
// constant-time comparison (§9: "equal-length check plus a
// constant-time byte compare; never compare via early-return").
// Missing or mismatched secrets yield 401.
func requireSecret(secret string, log logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-vailix-secret")
		if !constantTimeEquals(presented, secret) {
			log.Errorf("server: rejected request from %s: bad secret", clientIP(r))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// constantTimeEquals reports whether a and b are equal. The length
// check necessarily branches (subtle.ConstantTimeCompare requires
// equal-length inputs), but two secrets of the *same* length never
// take a different code path from one another — only the length
// itself, not the content, affects timing.
func constantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rateLimited enforces the per-IP quota, returning 429 when exceeded.
func rateLimited(limiter *ipRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimited caps the request body at maxBytes.
func bodyLimited(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
