package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/apparelcore/authstate/internal/http/response"
	"github.com/apparelcore/authstate/internal/ratelimit"
	"github.com/apparelcore/authstate/internal/security"
)

// RateLimit counts each request against the shared fixed-window limiter
// under the given endpoint scope. The limiter itself is fail-open, so a
// store outage never turns into a 429 here.
func RateLimit(limiter *ratelimit.Limiter, endpoint string, limit int, window time.Duration, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := keyFunc(r)
			if identity == "" {
				identity = ClientIPKey(r)
			}
			res := limiter.Check(r.Context(), identity, endpoint, limit, window)
			writeRateLimitHeaders(w.Header(), limit, res.Remaining, res.ResetAt)
			if !res.Allowed {
				w.Header().Set("Retry-After", retryAfterHeader(time.Until(res.ResetAt)))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKey keys authenticated requests by token subject and falls
// back to the client IP for anonymous ones.
func SubjectOrIPKey(jwtMgr *security.JWTManager) func(r *http.Request) string {
	return func(r *http.Request) string {
		if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
			return "sub:" + claims.Subject
		}
		if jwtMgr != nil {
			auth := r.Header.Get("Authorization")
			if len(auth) > 7 {
				if claims, err := jwtMgr.ParseAccessToken(auth[7:]); err == nil && claims.Subject != "" {
					return "sub:" + claims.Subject
				}
			}
		}
		return ClientIPKey(r)
	}
}

func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}
