package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PurchasePass debits the wallet for amount units of a service, grants or extends
// the pass and applies rewards, all under the buyer's lock.
func (s *Service) PurchasePass(ctx context.Context, userID uuid.UUID, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	svc, err := s.repo.FindServiceByID(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active || !svc.Type.Valid() {
		return nil, ErrServiceInactive
	}
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost := svc.CostPerUnit.Mul(decimal.NewFromInt(req.Amount))
	result := &domain.PurchaseResult{Cashback: decimal.Zero}

	err = s.withUserLock(ctx, userID, func() error {
		serviceID := svc.ID
		mutation, err := s.debitLocked(ctx, &domain.Transaction{
			UserID:      userID,
			Amount:      cost,
			Type:        domain.TransactionPurchase,
			Status:      domain.TransactionSuccess,
			Description: fmt.Sprintf("Purchased %d %s of %s", req.Amount, unitLabel(svc), svc.Name),
			ServiceID:   &serviceID,
		})
		if err != nil {
			return err
		}

		pass, err := s.GrantOrExtend(ctx, userID, svc, req.Amount)
		if err != nil {
			s.refundPurchase(ctx, userID, cost, svc, err)
			return fmt.Errorf("failed to grant pass: %w", err)
		}

		rewards := s.applyRewards(ctx, userID, cost, svc.ID)

		result.Pass = pass
		result.Transaction = mutation.Transaction
		result.Balance = mutation.NewBalance.Add(rewards.Cashback)
		result.Cashback = rewards.Cashback
		result.ReferralRewarded = rewards.ReferralRewarded
		if rewards.ReferralRewarded {
			if fresh, err := s.repo.FindUserByID(ctx, userID); err == nil {
				result.Balance = fresh.WalletBalance
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pass purchased", "user_id", userID, "service_id", svc.ID, "pass_id", result.Pass.ID, "amount", req.Amount, "cost", cost.String())

	s.async(ctx, func(ctx context.Context) {
		s.notify(ctx, user.Email, domain.TemplatePurchaseReceipt, map[string]interface{}{
			"name":        user.FullName,
			"serviceName": svc.Name,
			"units":       req.Amount,
			"unitName":    unitLabel(svc),
			"cost":        cost.StringFixed(2),
			"cashback":    result.Cashback.StringFixed(2),
			"balance":     result.Balance.StringFixed(2),
			"expiresAt":   result.Pass.ExpiresAt,
		})
		s.publish(ctx, userID, domain.EventWalletUpdated, map[string]interface{}{"balance": result.Balance}, false)
		s.publish(ctx, userID, domain.EventPassUpdated, result.Pass, false)
		if s.pusher != nil {
			s.pusher.Push(domain.AdminScope, domain.EventPurchaseCompleted, result)
		}
	})

	return result, nil
}

// refundPurchase compensates a debit whose grant failed. A failure here leaves the
// user charged without a pass and is logged as critical for manual reconciliation.
func (s *Service) refundPurchase(ctx context.Context, userID uuid.UUID, cost decimal.Decimal, svc *domain.Service, cause error) {
	serviceID := svc.ID
	_, err := s.creditLocked(ctx, &domain.Transaction{
		UserID:      userID,
		Amount:      cost,
		Type:        domain.TransactionPurchase,
		Status:      domain.TransactionSuccess,
		Description: fmt.Sprintf("Refund: %s", svc.Name),
		ServiceID:   &serviceID,
	})
	if err != nil {
		s.logger.Error("refund after failed grant failed", "severity", "critical", "user_id", userID, "service_id", svc.ID, "amount", cost.String(), "cause", cause, "error", err)
		return
	}
	s.logger.Error("pass grant failed; purchase refunded", "user_id", userID, "service_id", svc.ID, "error", cause)
}

func unitLabel(svc *domain.Service) string {
	if svc.UnitName != "" {
		return svc.UnitName
	}
	if svc.Type == domain.ServiceTypeTime {
		return "hour(s)"
	}
	return "unit(s)"
}
