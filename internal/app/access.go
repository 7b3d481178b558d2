package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
)

// AttemptAccess is the request-time entry point: it finds a usable pass, consumes
// amount from it and reports the updated counters. amount defaults to 1.
func (s *Service) AttemptAccess(ctx context.Context, userID, serviceID uuid.UUID, amount int64) (*domain.AccessResult, error) {
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	pass, err := s.FindUsablePass(ctx, userID, serviceID)
	if err != nil {
		return nil, err
	}

	updated, err := s.Consume(ctx, pass, amount)
	if err != nil {
		return nil, err
	}

	used := amount
	if updated.ServiceType == domain.ServiceTypeTime {
		used = 1
	}
	result := &domain.AccessResult{
		PassID:          updated.ID,
		ServiceID:       updated.ServiceID,
		RemainingAmount: updated.RemainingAmount,
		Status:          domain.EffectiveStatus(*updated, s.now()),
		ExpiresAt:       updated.ExpiresAt,
		AmountUsed:      used,
	}

	event := domain.UsageChangedEvent{
		UserID:          userID,
		ServiceID:       serviceID,
		PassID:          updated.ID,
		RemainingAmount: updated.RemainingAmount,
		Status:          result.Status,
		AmountUsed:      used,
		At:              s.now().UTC(),
	}
	s.async(ctx, func(ctx context.Context) {
		s.publish(ctx, userID, domain.EventUsageChanged, event, true)
		if result.Status == domain.PassExpired {
			s.publish(ctx, userID, domain.EventPassExpired, updated, false)
		}
	})

	return result, nil
}
