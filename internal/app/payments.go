package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/shopspring/decimal"
)

// CreateDepositOrder opens a provider order for a top-up and records it as a pending
// deposit. The wallet is credited only when the payment is verified.
func (s *Service) CreateDepositOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*domain.DepositOrder, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsWalletLocked {
		return nil, ErrWalletLocked
	}

	amount = amount.Round(2)
	transactionID := uuid.New()
	orderID, err := s.payments.CreateOrder(ctx, amount, s.cfg.Currency, transactionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create payment order: %w", err)
	}

	entry := &domain.Transaction{
		ID:              transactionID,
		UserID:          userID,
		Amount:          amount,
		Type:            domain.TransactionDeposit,
		Status:          domain.TransactionPending,
		Description:     "Wallet top-up",
		ExternalOrderID: &orderID,
	}
	if err := s.repo.CreateTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	s.logger.Info("deposit order created", "user_id", userID, "order_id", orderID, "amount", amount.String())
	return &domain.DepositOrder{
		TransactionID: transactionID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      s.cfg.Currency,
		KeyID:         s.payments.KeyID(),
	}, nil
}

// VerifyDeposit processes a payment confirmation. It is safe to replay: a deposit
// that already succeeded is reported with AlreadyProcessed and credited nothing.
func (s *Service) VerifyDeposit(ctx context.Context, userID uuid.UUID, req domain.DepositVerificationRequest) (*domain.DepositVerification, error) {
	var out *domain.DepositVerification
	err := s.withUserLock(ctx, userID, func() error {
		var err error
		out, err = s.verifyDepositLocked(ctx, userID, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !out.AlreadyProcessed {
		s.async(ctx, func(ctx context.Context) {
			if user, err := s.repo.FindUserByID(ctx, userID); err == nil {
				s.notify(ctx, user.Email, domain.TemplateDepositReceipt, map[string]interface{}{
					"name":      user.FullName,
					"amount":    out.Transaction.Amount.StringFixed(2),
					"balance":   out.Balance.StringFixed(2),
					"orderId":   req.OrderID,
					"paymentId": req.PaymentID,
				})
			}
			s.publish(ctx, userID, domain.EventWalletUpdated, map[string]interface{}{"balance": out.Balance}, false)
		})
	}
	return out, nil
}

func (s *Service) verifyDepositLocked(ctx context.Context, userID uuid.UUID, req domain.DepositVerificationRequest) (*domain.DepositVerification, error) {
	tx, err := s.repo.FindTransactionByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID || tx.Type != domain.TransactionDeposit {
		return nil, store.ErrTransactionNotFound
	}

	switch tx.Status {
	case domain.TransactionSuccess:
		return s.alreadyProcessed(ctx, tx)
	case domain.TransactionFailed:
		return nil, ErrDepositFailed
	}

	if !s.payments.VerifySignature(req.OrderID, req.PaymentID, req.Signature) {
		paymentID := req.PaymentID
		if err := s.repo.FailTransaction(ctx, tx.ID, &paymentID); err != nil && !errors.Is(err, store.ErrTransactionNotPending) {
			s.logger.Error("failed to mark deposit failed", "transaction_id", tx.ID, "error", err)
		}
		s.logger.Warn("deposit signature mismatch", "user_id", userID, "order_id", req.OrderID)
		return nil, ErrInvalidSignature
	}

	if !req.Amount.Equal(tx.Amount) {
		return nil, ErrAmountMismatch
	}

	completed, balance, err := s.repo.CompleteDeposit(ctx, tx.ID, req.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotPending) {
			current, findErr := s.repo.FindTransactionByID(ctx, tx.ID)
			if findErr == nil && current.Status == domain.TransactionSuccess {
				return s.alreadyProcessed(ctx, current)
			}
			return nil, ErrDepositFailed
		}
		return nil, err
	}

	s.logger.Info("deposit verified", "user_id", userID, "order_id", req.OrderID, "amount", completed.Amount.String())
	return &domain.DepositVerification{Transaction: completed, Balance: balance}, nil
}

func (s *Service) alreadyProcessed(ctx context.Context, tx *domain.Transaction) (*domain.DepositVerification, error) {
	user, err := s.repo.FindUserByID(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	return &domain.DepositVerification{Transaction: tx, Balance: user.WalletBalance, AlreadyProcessed: true}, nil
}
