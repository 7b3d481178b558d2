/**
 * @description
 * The expiry sweeper. Each cycle runs a warning pass and an expiration pass over
 * the ledger store. Per-pass side effects are guarded by the one-shot flags on the
 * pass, which are set only after the notification was accepted, so a failed
 * notification is retried by the next cycle. Every write is conditional on the state
 * the cycle read, so a purchase that renews a pass mid-cycle wins over the sweep.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
)

// SweepReport summarises one sweeper cycle.
type SweepReport struct {
	Skipped bool `json:"skipped"`
	Warned  int  `json:"warned"`
	Expired int  `json:"expired"`
	Renewed int  `json:"renewed"`
	Failed  int  `json:"failed"`
}

type sweepOutcome int

const (
	sweepDone sweepOutcome = iota
	sweepRenewed
	sweepFailed
)

func (r *SweepReport) count(o sweepOutcome, done *int) {
	switch o {
	case sweepDone:
		*done++
	case sweepRenewed:
		r.Renewed++
	default:
		r.Failed++
	}
}

// Sweep runs one sweeper cycle. A cycle already running elsewhere makes this one a
// no-op. Item failures are counted and logged; only query failures are returned.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	lease, err := s.locker.AcquireFor(ctx, coord.SweeperLockKey, s.cfg.SweepTimeout)
	if err != nil {
		if errors.Is(err, coord.ErrOperationInProgress) {
			s.logger.Info("sweep already running elsewhere; skipping cycle")
			report.Skipped = true
			return report, nil
		}
		return nil, err
	}
	defer lease.Release(ctx)

	now := s.now()
	var errs []error

	warnings, err := s.repo.FindPassesNeedingWarning(ctx, now, s.cfg.ExpiryWarning, s.cfg.LowUsageThreshold)
	if err != nil {
		s.logger.Error("failed to load passes needing warning", "error", err)
		errs = append(errs, fmt.Errorf("warning pass: %w", err))
	}
	for _, n := range warnings {
		report.count(s.warnPass(ctx, n), &report.Warned)
	}

	expiring, err := s.repo.FindPassesToExpire(ctx, now)
	if err != nil {
		s.logger.Error("failed to load passes to expire", "error", err)
		errs = append(errs, fmt.Errorf("expiration pass: %w", err))
	}
	for _, n := range expiring {
		report.count(s.expirePass(ctx, n, now), &report.Expired)
	}

	s.logger.Info("sweep finished", "warned", report.Warned, "expired", report.Expired, "renewed", report.Renewed, "failed", report.Failed)
	return report, errors.Join(errs...)
}

func (s *Service) warnPass(ctx context.Context, n domain.PassNotice) sweepOutcome {
	template := domain.TemplatePassLowBalance
	data := map[string]interface{}{
		"name":        n.UserName,
		"serviceName": n.ServiceName,
		"unitName":    n.UnitName,
		"remaining":   n.Pass.RemainingAmount,
	}
	if n.Pass.ServiceType == domain.ServiceTypeTime {
		template = domain.TemplatePassExpiring
		data["expiresAt"] = n.Pass.ExpiresAt
	}

	if !s.notify(ctx, n.UserEmail, template, data) {
		s.logger.Warn("expiry warning not sent; will retry next cycle", "pass_id", n.Pass.ID)
		return sweepFailed
	}
	marked, err := s.repo.MarkExpiryWarningSent(ctx, n.Pass.ID, n.Pass.ExpiresAt, n.Pass.RemainingAmount)
	if err != nil {
		s.logger.Error("failed to set expiry warning flag", "pass_id", n.Pass.ID, "error", err)
		return sweepFailed
	}
	if !marked {
		s.logger.Info("pass renewed after warning was queued; flag left clear", "pass_id", n.Pass.ID)
		return sweepRenewed
	}
	return sweepDone
}

func (s *Service) expirePass(ctx context.Context, n domain.PassNotice, now time.Time) sweepOutcome {
	pass := n.Pass
	flipped := false
	if pass.Status == domain.PassActive {
		var err error
		flipped, err = s.repo.ExpirePass(ctx, pass.ID, now)
		if err != nil {
			s.logger.Error("failed to expire pass", "pass_id", pass.ID, "error", err)
			return sweepFailed
		}
		if flipped {
			pass.Status = domain.PassExpired
			s.publish(ctx, pass.UserID, domain.EventPassExpired, pass, false)
		}
	}

	// Without our own flip the row may have moved since the query ran.
	if !flipped {
		current, err := s.repo.FindPassByID(ctx, pass.ID)
		if err != nil {
			if errors.Is(err, store.ErrPassNotFound) {
				return sweepDone
			}
			s.logger.Error("failed to reload pass", "pass_id", pass.ID, "error", err)
			return sweepFailed
		}
		if current.Status != domain.PassExpired {
			s.logger.Info("pass renewed before expiry was written", "pass_id", pass.ID)
			return sweepRenewed
		}
		pass = *current
	}

	if pass.ExpiryEmailSent {
		return sweepDone
	}
	data := map[string]interface{}{
		"name":        n.UserName,
		"serviceName": n.ServiceName,
		"unitName":    n.UnitName,
		"expiresAt":   pass.ExpiresAt,
	}
	if !s.notify(ctx, n.UserEmail, domain.TemplatePassExpired, data) {
		s.logger.Warn("expiry notification not sent; will retry next cycle", "pass_id", pass.ID)
		return sweepFailed
	}
	marked, err := s.repo.MarkExpiryEmailSent(ctx, pass.ID)
	if err != nil {
		s.logger.Error("failed to set expiry email flag", "pass_id", pass.ID, "error", err)
		return sweepFailed
	}
	if !marked {
		s.logger.Info("pass renewed while expiry notification was sent", "pass_id", pass.ID)
		return sweepRenewed
	}
	return sweepDone
}
