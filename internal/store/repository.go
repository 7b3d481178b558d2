/**
 * @description
 * This file defines the `Repository` interface, the contract for all durable ledger
 * state: users' wallets, passes, the transaction ledger and the usage audit log.
 * Business logic depends only on this interface; PostgreSQL backs it in production
 * and an in-memory implementation backs local runs and tests.
 *
 * @notes
 * - Every method that changes a balance writes the balance and its ledger entry in
 *   one unit. Callers never sequence those two writes themselves.
 * - Counter and flag updates are conditional at the store level so concurrent
 *   callers cannot both win.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound             = errors.New("user not found")
	ErrServiceNotFound          = errors.New("service not found")
	ErrPassNotFound             = errors.New("pass not found")
	ErrPassExpired              = errors.New("pass expired")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionNotPending    = errors.New("transaction is not pending")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInsufficientUsage        = errors.New("insufficient usage remaining")
	ErrWalletLocked             = errors.New("wallet is locked")
	ErrReferralNotFound         = errors.New("referral not found")
	ErrReferralAlreadyCompleted = errors.New("referral already completed")
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Users
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	SetWalletLock(ctx context.Context, userID uuid.UUID, locked bool) error

	// Catalog (read-only)
	FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error)
	FindActiveCashbackOffers(ctx context.Context) ([]domain.Offer, error)

	// Wallet ledger. entry.Amount is signed: negative for debits.
	ApplyWalletDebit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error)
	ApplyWalletCredit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error)
	CreateTransaction(ctx context.Context, entry *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error)
	CompleteDeposit(ctx context.Context, transactionID uuid.UUID, paymentID string) (*domain.Transaction, decimal.Decimal, error)
	FailTransaction(ctx context.Context, transactionID uuid.UUID, paymentID *string) error
	SettleWithdrawal(ctx context.Context, transactionID uuid.UUID, success bool) (*domain.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error)
	CountSuccessfulPurchases(ctx context.Context, userID uuid.UUID) (int, error)

	// Referrals
	FindReferralByReferee(ctx context.Context, refereeID uuid.UUID) (*domain.Referral, error)
	CompleteReferral(ctx context.Context, payout domain.ReferralPayout) error

	// Passes
	FindPassByID(ctx context.Context, passID uuid.UUID) (*domain.Pass, error)
	FindPassesByUserAndService(ctx context.Context, userID, serviceID uuid.UUID) ([]domain.Pass, error)
	ListPassesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Pass, error)
	UpsertPassGrant(ctx context.Context, grant domain.PassGrant) (*domain.Pass, error)
	ConsumePassUnits(ctx context.Context, passID uuid.UUID, amount int64, entry *domain.UsageLog) (*domain.Pass, error)
	ConsumeTimedPass(ctx context.Context, passID uuid.UUID, now time.Time, entry *domain.UsageLog) (*domain.Pass, error)
	ExpirePass(ctx context.Context, passID uuid.UUID, now time.Time) (bool, error)
	DeletePass(ctx context.Context, passID uuid.UUID) error
	ListUsageByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageLog, error)

	// Sweeper
	FindPassesNeedingWarning(ctx context.Context, now time.Time, horizon time.Duration, lowThreshold int64) ([]domain.PassNotice, error)
	FindPassesToExpire(ctx context.Context, now time.Time) ([]domain.PassNotice, error)
	MarkExpiryWarningSent(ctx context.Context, passID uuid.UUID, expiresAt *time.Time, remaining int64) (bool, error)
	MarkExpiryEmailSent(ctx context.Context, passID uuid.UUID) (bool, error)
}

// clampLimit keeps list queries bounded.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
