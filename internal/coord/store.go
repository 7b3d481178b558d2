/**
 * @description
 * Package coord holds the ephemeral coordination primitives shared by every
 * instance of the service: per-user mutual exclusion and fixed-window rate
 * limiting. Keys carry no business meaning and live only as long as their TTL.
 */

package coord

import (
	"context"
	"time"
)

// Store is the minimal key/value contract the coordination primitives need.
type Store interface {
	// SetIfAbsent stores value under key with ttl only if the key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfValue deletes key only if it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// IncrWithExpiry increments a counter, starting its expiry window on the first
	// increment, and returns the new count and the time left in the window.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// UserLockKey is the mutual-exclusion key for all balance-affecting operations of a user.
func UserLockKey(userID string) string {
	return "lock:" + userID
}

// SweeperLockKey keeps expiry sweep cycles from overlapping across instances.
const SweeperLockKey = "lock:sweeper"

// RateLimitKey is the counter key for one client on one route.
func RateLimitKey(clientID, route string) string {
	return "rate:" + clientID + ":" + route
}
