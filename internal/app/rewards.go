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

var hundred = decimal.NewFromInt(100)

// RewardOutcome reports what the reward sub-flow credited to the buyer.
type RewardOutcome struct {
	Cashback         decimal.Decimal
	ReferralRewarded bool
}

// SelectCashbackOffer picks the offer that applies to a purchase: an active offer
// flagged default wins, then the highest percentage, then the earliest created.
func SelectCashbackOffer(offers []domain.Offer) *domain.Offer {
	var best *domain.Offer
	for i := range offers {
		o := &offers[i]
		if !o.IsActive {
			continue
		}
		if best == nil || offerBeats(o, best) {
			best = o
		}
	}
	return best
}

func offerBeats(a, b *domain.Offer) bool {
	if a.IsDefault != b.IsDefault {
		return a.IsDefault
	}
	if cmp := a.Percentage.Cmp(b.Percentage); cmp != 0 {
		return cmp > 0
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// CalculateCashback returns min(cost * percentage / 100, maxCap) rounded to cents.
func CalculateCashback(cost decimal.Decimal, offer domain.Offer) decimal.Decimal {
	amount := cost.Mul(offer.Percentage).Div(hundred)
	if offer.MaxCap.IsPositive() && amount.GreaterThan(offer.MaxCap) {
		amount = offer.MaxCap
	}
	amount = amount.Round(2)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// applyRewards credits cashback and, on the buyer's first purchase, the referral
// bonuses. It never fails the purchase; errors are logged and yield zero reward.
// Must be called under the buyer's lock.
func (s *Service) applyRewards(ctx context.Context, userID uuid.UUID, cost decimal.Decimal, serviceID uuid.UUID) RewardOutcome {
	out := RewardOutcome{Cashback: decimal.Zero}

	cashback, err := s.creditCashback(ctx, userID, cost, serviceID)
	if err != nil {
		s.logger.Error("cashback failed; purchase unaffected", "user_id", userID, "error", err)
	} else {
		out.Cashback = cashback
	}

	rewarded, err := s.payReferral(ctx, userID)
	if err != nil {
		s.logger.Error("referral payout failed; purchase unaffected", "user_id", userID, "error", err)
	} else {
		out.ReferralRewarded = rewarded
	}
	return out
}

func (s *Service) creditCashback(ctx context.Context, userID uuid.UUID, cost decimal.Decimal, serviceID uuid.UUID) (decimal.Decimal, error) {
	offers, err := s.repo.FindActiveCashbackOffers(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load offers: %w", err)
	}
	offer := SelectCashbackOffer(offers)
	if offer == nil {
		return decimal.Zero, nil
	}

	amount := CalculateCashback(cost, *offer)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	sid := serviceID
	_, err = s.creditLocked(ctx, &domain.Transaction{
		UserID:      userID,
		Amount:      amount,
		Type:        domain.TransactionCashback,
		Status:      domain.TransactionSuccess,
		Description: fmt.Sprintf("Cashback: %s", offer.Title),
		ServiceID:   &sid,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func (s *Service) payReferral(ctx context.Context, userID uuid.UUID) (bool, error) {
	purchases, err := s.repo.CountSuccessfulPurchases(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to count purchases: %w", err)
	}
	if purchases != 1 {
		return false, nil
	}

	referral, err := s.repo.FindReferralByReferee(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotFound) {
			return false, nil
		}
		return false, err
	}
	if referral.Status != domain.ReferralPending {
		return false, nil
	}

	// The referrer's credit is a single increment inside the payout transaction and
	// does not take lock:<referrerId>. A busy referrer must not drop a one-shot bonus.
	err = s.repo.CompleteReferral(ctx, domain.ReferralPayout{
		ReferralID:    referral.ID,
		ReferrerID:    referral.ReferrerID,
		RefereeID:     referral.RefereeID,
		ReferrerBonus: s.cfg.ReferrerBonus,
		RefereeBonus:  s.cfg.RefereeBonus,
	})
	if err != nil {
		if errors.Is(err, store.ErrReferralAlreadyCompleted) {
			return false, nil
		}
		return false, err
	}

	s.logger.Info("referral completed", "referee_id", referral.RefereeID, "referrer_id", referral.ReferrerID)
	s.async(ctx, func(ctx context.Context) {
		if s.pusher != nil {
			s.pusher.Push(domain.UserScope(referral.ReferrerID), domain.EventWalletUpdated, map[string]interface{}{
				"reason": "referral_reward",
				"amount": s.cfg.ReferrerBonus,
			})
		}
	})
	return true, nil
}
