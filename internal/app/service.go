/**
 * @description
 * This file contains the core business logic of the access service. The `Service`
 * struct owns every wallet and pass mutation, coordinating the ledger store, the
 * per-user distributed lock, the payment provider and the notification and
 * real-time collaborators.
 *
 * Key features:
 * - Wallet debits and credits always run under the owner's lock (see wallet.go).
 * - Pass consumption relies on conditional store updates, not on the wallet lock.
 * - Side effects (emails, pushes, broker events) are dispatched asynchronously and
 *   never fail the operation that triggered them.
 *
 * @dependencies
 * - internal/store, internal/coord: ledger and coordination stores.
 * - github.com/shopspring/decimal: money arithmetic.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrNoActivePass       = errors.New("no active pass for this service")
	ErrInvalidSignature   = errors.New("payment signature verification failed")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrServiceInactive    = errors.New("service is not available for purchase")
	ErrDepositFailed      = errors.New("deposit has already failed")
	ErrAmountMismatch     = errors.New("amount does not match the payment order")
	ErrBelowMinWithdrawal = errors.New("amount is below the minimum withdrawal")

	// Aliases so callers only need to match against this package.
	ErrInsufficientFunds   = store.ErrInsufficientFunds
	ErrInsufficientUsage   = store.ErrInsufficientUsage
	ErrWalletLocked        = store.ErrWalletLocked
	ErrOperationInProgress = coord.ErrOperationInProgress
)

// Notifier hands a notification request to the email collaborator.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Pusher delivers a real-time event to every connected session of a scope.
type Pusher interface {
	Push(scope, event string, payload interface{})
}

// EventPublisher emits domain events for other services.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event string, payload interface{}) error
}

// PaymentGateway is the contract needed from the payment provider.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error)
	VerifySignature(orderID, paymentID, signature string) bool
	KeyID() string
}

// Config carries the business settings the service needs.
type Config struct {
	Currency          string
	ReferrerBonus     decimal.Decimal
	RefereeBonus      decimal.Decimal
	MinWithdrawal     decimal.Decimal
	ExpiryWarning     time.Duration
	LowUsageThreshold int64
	SweepTimeout      time.Duration
}

// Service provides the core business logic for wallets and passes.
type Service struct {
	repo     store.Repository
	locker   *coord.Locker
	payments PaymentGateway
	notifier Notifier
	pusher   Pusher
	events   EventPublisher
	cfg      Config
	logger   *slog.Logger

	now      func() time.Time
	dispatch func(func())
}

// NewService creates a new service instance. notifier, pusher and events may be nil.
func NewService(
	repo store.Repository,
	locker *coord.Locker,
	payments PaymentGateway,
	notifier Notifier,
	pusher Pusher,
	events EventPublisher,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = 10 * time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 50 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		payments: payments,
		notifier: notifier,
		pusher:   pusher,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		dispatch: func(f func()) { go f() },
	}
}

// async runs f detached from the request, bounded by its own timeout.
func (s *Service) async(ctx context.Context, f func(ctx context.Context)) {
	bg := context.WithoutCancel(ctx)
	s.dispatch(func() {
		ctx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		f(ctx)
	})
}

// notify sends a notification and logs failures. It reports whether the
// collaborator accepted the request.
func (s *Service) notify(ctx context.Context, recipient string, template domain.NotificationTemplate, data map[string]interface{}) bool {
	if s.notifier == nil {
		s.logger.Warn("notifier not configured; dropping notification", "template", template)
		return false
	}
	n := domain.Notification{
		Recipient: recipient,
		Template:  template,
		Data:      data,
		CreatedAt: s.now().UTC(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error("failed to dispatch notification", "template", template, "error", err)
		return false
	}
	return true
}

// publish pushes event to the user's sessions, optionally to admins, and emits it on
// the broker. Every leg is best-effort.
func (s *Service) publish(ctx context.Context, userID uuid.UUID, event string, payload interface{}, toAdmins bool) {
	if s.pusher != nil {
		s.pusher.Push(domain.UserScope(userID), event, payload)
		if toAdmins {
			s.pusher.Push(domain.AdminScope, event, payload)
		}
	}
	if s.events != nil {
		if err := s.events.PublishEvent(ctx, event, payload); err != nil {
			s.logger.Warn("failed to publish domain event", "event", event, "error", err)
		}
	}
}
