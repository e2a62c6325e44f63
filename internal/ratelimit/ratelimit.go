// Package ratelimit enforces "at most N operations per identity and
// endpoint per fixed window" on top of the cache service's atomic
// increment and expiry primitives.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/observability"
)

type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type Limiter struct {
	cache  *cache.Service
	logger *slog.Logger
	mode   kv.FailureMode
}

func New(cacheSvc *cache.Service, logger *slog.Logger) *Limiter {
	return &Limiter{cache: cacheSvc, logger: logger, mode: kv.FailOpen}
}

// Check counts the request against the identity+endpoint window and
// reports whether it is allowed.
//
// This is a fixed window, not a sliding one: the window starts at the
// first request and callers can burst up to 2N-1 requests across a
// window boundary. Callers depend on that leniency; do not swap in a
// sliding-window algorithm.
func (l *Limiter) Check(ctx context.Context, identity, endpoint string, maxRequests int, window time.Duration) Result {
	now := time.Now()
	key := counterKey(identity, endpoint)

	count, err := l.cache.Incr(ctx, key)
	if err != nil {
		l.mode.Swallow(ctx, l.logger, "ratelimit", "incr", err)
		observability.RecordRateLimitDecision(ctx, endpoint, "backend_error")
		return Result{Allowed: true, Remaining: maxRequests, ResetAt: now.Add(window)}
	}
	if count == 1 {
		// Concurrent first requests may each observe count==1 and each
		// set the expiry; harmless since every writer computes the same
		// window length.
		if _, err := l.cache.Expire(ctx, key, window); err != nil {
			l.mode.Swallow(ctx, l.logger, "ratelimit", "expire", err)
		}
	}

	resetAt := now.Add(window)
	if ttl, err := l.cache.TTL(ctx, key); err == nil && ttl > 0 {
		resetAt = now.Add(time.Duration(ttl) * time.Second)
	}

	allowed := count <= int64(maxRequests)
	remaining := maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	observability.RecordRateLimitDecision(ctx, endpoint, outcome)
	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
}

func counterKey(identity, endpoint string) string {
	return fmt.Sprintf("ratelimit:%s:%s", identity, endpoint)
}
