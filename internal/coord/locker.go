package coord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOperationInProgress is returned when another holder owns the lock. Acquisition
// never waits; the caller surfaces the conflict and the client retries.
var ErrOperationInProgress = errors.New("another operation is in progress, please wait")

// Lease is the handle of an acquired lock. Release is safe to call more than once.
// A degraded lease holds nothing and releasing it is a no-op.
type Lease struct {
	store    Store
	key      string
	token    string
	logger   *slog.Logger
	once     sync.Once
	Degraded bool
}

// Release deletes the lock key if this lease still owns it. It runs on a context
// detached from ctx's cancellation so a cancelled request still frees its lock.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.store == nil {
		return
	}
	l.once.Do(func() {
		if _, err := l.store.DeleteIfValue(context.WithoutCancel(ctx), l.key, l.token); err != nil {
			l.logger.Warn("lock release failed; key will expire", "key", l.key, "error", err)
		}
	})
}

// Locker grants non-blocking, TTL-bounded mutual exclusion over string keys.
type Locker struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewLocker(store Store, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 12 * time.Second
	}
	return &Locker{store: store, ttl: ttl, logger: logger}
}

// Acquire takes the lock for key or fails immediately with ErrOperationInProgress.
// If the coordination store is unreachable the call fails open: it logs a degraded
// warning and returns a lease that protects nothing.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if l == nil {
		return &Lease{Degraded: true}, nil
	}
	return l.AcquireFor(ctx, key, l.ttl)
}

// AcquireFor is Acquire with a caller-chosen TTL.
func (l *Locker) AcquireFor(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.store == nil {
		return &Lease{Degraded: true}, nil
	}

	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		l.logger.Warn("coordination store unavailable; proceeding without lock (degraded)", "key", key, "error", err)
		return &Lease{Degraded: true}, nil
	}
	if !ok {
		return nil, ErrOperationInProgress
	}
	return &Lease{store: l.store, key: key, token: token, logger: l.logger}, nil
}
