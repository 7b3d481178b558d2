package coord

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// RateLimiter is a fixed-window request counter keyed by client and route.
type RateLimiter struct {
	store  Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiter(store Store, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, limit: limit, window: window, logger: logger}
}

// Allow counts one request. It reports whether the request is within the limit and,
// when it is not, how long until the window resets. A disabled limiter or an
// unreachable store always allows.
func (r *RateLimiter) Allow(ctx context.Context, clientID, route string) (bool, time.Duration) {
	if r == nil || r.store == nil || r.limit <= 0 {
		return true, 0
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return true, 0
	}

	count, ttl, err := r.store.IncrWithExpiry(ctx, RateLimitKey(clientID, route), r.window)
	if err != nil {
		r.logger.Warn("rate limiter unavailable; allowing request (degraded)", "route", route, "error", err)
		return true, 0
	}
	if count > int64(r.limit) {
		if ttl < time.Second {
			ttl = time.Second
		}
		return false, ttl
	}
	return true, 0
}
