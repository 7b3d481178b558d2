package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/shopspring/decimal"
)

// RequestWithdrawal holds amount from the wallet as a pending withdrawal. Payout is
// settled later by an administrator.
func (s *Service) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*domain.WalletMutation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if s.cfg.MinWithdrawal.IsPositive() && amount.LessThan(s.cfg.MinWithdrawal) {
		return nil, ErrBelowMinWithdrawal
	}
	amount = amount.Round(2)

	var out *domain.WalletMutation
	err := s.withUserLock(ctx, userID, func() error {
		var err error
		out, err = s.debitLocked(ctx, &domain.Transaction{
			UserID:      userID,
			Amount:      amount,
			Type:        domain.TransactionWithdrawal,
			Status:      domain.TransactionPending,
			Description: "Withdrawal request",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.async(ctx, func(ctx context.Context) {
		if user, err := s.repo.FindUserByID(ctx, userID); err == nil {
			s.notify(ctx, user.Email, domain.TemplateWithdrawal, map[string]interface{}{
				"name":    user.FullName,
				"amount":  amount.StringFixed(2),
				"balance": out.NewBalance.StringFixed(2),
			})
		}
		s.publish(ctx, userID, domain.EventWalletUpdated, map[string]interface{}{"balance": out.NewBalance}, false)
	})
	return out, nil
}

// SettleWithdrawal completes a pending withdrawal. A failed payout returns the held
// amount to the wallet in the same store operation.
func (s *Service) SettleWithdrawal(ctx context.Context, transactionID uuid.UUID, success bool) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Type != domain.TransactionWithdrawal {
		return nil, store.ErrTransactionNotFound
	}

	var settled *domain.Transaction
	err = s.withUserLock(ctx, tx.UserID, func() error {
		var err error
		settled, err = s.repo.SettleWithdrawal(ctx, transactionID, success)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal settled", "transaction_id", transactionID, "user_id", tx.UserID, "status", settled.Status)
	s.async(ctx, func(ctx context.Context) {
		if wallet, err := s.GetWallet(ctx, tx.UserID); err == nil {
			s.publish(ctx, tx.UserID, domain.EventWalletUpdated, wallet, false)
		}
	})
	return settled, nil
}
