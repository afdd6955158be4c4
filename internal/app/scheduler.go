/**
 * @description
 * Cron scheduler setup for the wallet service's background jobs: the
 * due-mandate batch and the pending-funding reconciliation sweep. The
 * scheduler is an explicitly constructed, single long-lived worker with its
 * own start/stop lifecycle; it holds no mutable state beyond what each cycle
 * reads fresh from the store.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/Techori/Gateman-sub001/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.MandateBatchSchedule, s.jobs.ProcessDueMandates); err != nil {
		s.logger.Error("failed to schedule mandate batch job", "error", err)
	} else {
		s.logger.Info("scheduled mandate batch job", "schedule", s.config.MandateBatchSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.FundingReconcileSchedule, s.jobs.ReconcilePendingFunding); err != nil {
		s.logger.Error("failed to schedule funding reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled funding reconciliation job", "schedule", s.config.FundingReconcileSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
