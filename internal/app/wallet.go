package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/shopspring/decimal"
)

// withUserLock runs fn while holding the user's wallet lock. The lock is released on
// every exit path. A busy lock returns ErrOperationInProgress without running fn.
func (s *Service) withUserLock(ctx context.Context, userID uuid.UUID, fn func() error) error {
	lease, err := s.locker.Acquire(ctx, coord.UserLockKey(userID.String()))
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	if lease.Degraded {
		s.logger.Warn("wallet mutation running without lock", "user_id", userID)
	}
	return fn()
}

// Debit takes the user's lock and removes amount from the wallet.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType domain.TransactionType, reason string) (*domain.WalletMutation, error) {
	var out *domain.WalletMutation
	err := s.withUserLock(ctx, userID, func() error {
		var err error
		out, err = s.debitLocked(ctx, &domain.Transaction{
			UserID:      userID,
			Amount:      amount,
			Type:        txType,
			Status:      domain.TransactionSuccess,
			Description: reason,
		})
		return err
	})
	return out, err
}

// Credit takes the user's lock and adds amount to the wallet.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType domain.TransactionType, reason string) (*domain.WalletMutation, error) {
	var out *domain.WalletMutation
	err := s.withUserLock(ctx, userID, func() error {
		var err error
		out, err = s.creditLocked(ctx, &domain.Transaction{
			UserID:      userID,
			Amount:      amount,
			Type:        txType,
			Status:      domain.TransactionSuccess,
			Description: reason,
		})
		return err
	})
	return out, err
}

// debitLocked must be called under the user's lock.
func (s *Service) debitLocked(ctx context.Context, entry *domain.Transaction) (*domain.WalletMutation, error) {
	if !entry.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	balance, err := s.repo.ApplyWalletDebit(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet debited", "user_id", entry.UserID, "amount", entry.Amount.String(), "type", entry.Type)
	return &domain.WalletMutation{NewBalance: balance, Transaction: entry}, nil
}

// creditLocked must be called under the user's lock.
func (s *Service) creditLocked(ctx context.Context, entry *domain.Transaction) (*domain.WalletMutation, error) {
	if !entry.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	balance, err := s.repo.ApplyWalletCredit(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet credited", "user_id", entry.UserID, "amount", entry.Amount.String(), "type", entry.Type)
	return &domain.WalletMutation{NewBalance: balance, Transaction: entry}, nil
}

// GetWallet returns the wallet read model.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.WalletSummary, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.WalletSummary{
		UserID:              user.ID,
		Balance:             user.WalletBalance,
		IsWalletLocked:      user.IsWalletLocked,
		TotalCashbackEarned: user.TotalCashbackEarned,
		TotalReferralEarned: user.TotalReferralEarned,
	}, nil
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID, limit)
}

// SetWalletLock freezes or unfreezes a wallet. Frozen wallets reject debits.
func (s *Service) SetWalletLock(ctx context.Context, userID uuid.UUID, locked bool) (*domain.WalletSummary, error) {
	if err := s.repo.SetWalletLock(ctx, userID, locked); err != nil {
		return nil, err
	}
	s.logger.Info("wallet lock changed", "user_id", userID, "locked", locked)

	summary, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.async(ctx, func(ctx context.Context) {
		s.publish(ctx, userID, domain.EventWalletUpdated, summary, false)
	})
	return summary, nil
}
