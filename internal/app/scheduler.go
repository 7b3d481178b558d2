/**
 * @description
 * Cron scheduler setup for the expiry sweeper.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs one sweep cycle.
type Sweeper interface {
	Sweep(ctx context.Context) (*SweepReport, error)
}

// Scheduler manages the sweeper cron job.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
}

// NewScheduler creates a new scheduler instance. Overlapping cycles in this process
// are skipped rather than queued.
func NewScheduler(sweeper Sweeper, logger *slog.Logger, schedule string, timeout time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if timeout <= 0 {
		timeout = 50 * time.Second
	}

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		logger:   logger,
		schedule: schedule,
		timeout:  timeout,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		s.logger.Error("failed to schedule expiry sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled expiry sweep job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// RunOnce executes a single sweep cycle bounded by the cycle timeout.
func (s *Scheduler) RunOnce() {
	s.logger.Info("starting expiry sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("expiry sweep job finished with errors", "error", err)
		return
	}
	if report.Skipped {
		return
	}
	s.logger.Info("expiry sweep job finished", "warned", report.Warned, "expired", report.Expired, "renewed", report.Renewed, "failed", report.Failed)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
