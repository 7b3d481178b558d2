package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
)

// FindUsablePass returns the first pass for (user, service) that is usable now.
// Passes whose stored status is stale are expired on the way.
func (s *Service) FindUsablePass(ctx context.Context, userID, serviceID uuid.UUID) (*domain.Pass, error) {
	passes, err := s.repo.FindPassesByUserAndService(ctx, userID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load passes: %w", err)
	}

	now := s.now()
	for i := range passes {
		p := passes[i]
		if domain.EffectiveStatus(p, now) == domain.PassActive {
			return &p, nil
		}
		if domain.NeedsExpiryCorrection(p, now) {
			if _, err := s.repo.ExpirePass(ctx, p.ID, now); err != nil {
				s.logger.Warn("failed to persist pass expiry", "pass_id", p.ID, "error", err)
			}
		}
	}
	return nil, ErrNoActivePass
}

// Consume applies one consumption to pass. Usage passes are decremented with a
// conditional update; time passes are only checked against their window.
func (s *Service) Consume(ctx context.Context, pass *domain.Pass, amount int64) (*domain.Pass, error) {
	var (
		updated *domain.Pass
		err     error
	)
	entry := &domain.UsageLog{}
	switch pass.ServiceType {
	case domain.ServiceTypeUsage:
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		updated, err = s.repo.ConsumePassUnits(ctx, pass.ID, amount, entry)
	case domain.ServiceTypeTime:
		updated, err = s.repo.ConsumeTimedPass(ctx, pass.ID, s.now(), entry)
	default:
		return nil, fmt.Errorf("unknown service type %q", pass.ServiceType)
	}
	if err != nil {
		if errors.Is(err, store.ErrPassExpired) || errors.Is(err, store.ErrPassNotFound) {
			return nil, ErrNoActivePass
		}
		return nil, err
	}
	return updated, nil
}

// GrantOrExtend merges a purchase into the user's pass for the service, creating it
// on first purchase and reviving it if expired.
func (s *Service) GrantOrExtend(ctx context.Context, userID uuid.UUID, svc *domain.Service, amount int64) (*domain.Pass, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !svc.Type.Valid() {
		return nil, fmt.Errorf("unknown service type %q", svc.Type)
	}
	return s.repo.UpsertPassGrant(ctx, domain.PassGrant{
		UserID:      userID,
		ServiceID:   svc.ID,
		ServiceType: svc.Type,
		Amount:      amount,
		CostPerUnit: svc.CostPerUnit,
		Now:         s.now(),
	})
}

// ListPasses returns the user's passes with their effective status.
func (s *Service) ListPasses(ctx context.Context, userID uuid.UUID) ([]domain.Pass, error) {
	passes, err := s.repo.ListPassesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range passes {
		passes[i].Status = domain.EffectiveStatus(passes[i], now)
	}
	return passes, nil
}

// ListUsage returns the user's usage log, newest first.
func (s *Service) ListUsage(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageLog, error) {
	return s.repo.ListUsageByUser(ctx, userID, limit)
}

// RevokePass hard-deletes a pass. Administrative only.
func (s *Service) RevokePass(ctx context.Context, passID uuid.UUID) error {
	pass, err := s.repo.FindPassByID(ctx, passID)
	if err != nil {
		return err
	}
	if err := s.repo.DeletePass(ctx, passID); err != nil {
		return err
	}
	s.logger.Info("pass revoked", "pass_id", passID, "user_id", pass.UserID)
	s.async(ctx, func(ctx context.Context) {
		s.publish(ctx, pass.UserID, domain.EventPassExpired, pass, false)
	})
	return nil
}
