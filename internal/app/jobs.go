/**
 * @description
 * Scheduled job implementations for the wallet service. Each job is a thin
 * wrapper that takes the batch lease, delegates to the processor or wallet
 * service, and logs the outcome; all state is read fresh from the store.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/Techori/Gateman-sub001/internal/config"
	"github.com/Techori/Gateman-sub001/internal/store"
)

// BatchLock defines the lease the jobs take before running a batch.
type BatchLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	processor *MandateProcessor
	wallet    *WalletService
	repo      store.Repository
	lock      BatchLock
	logger    *slog.Logger
	config    config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(processor *MandateProcessor, wallet *WalletService, repo store.Repository, lock BatchLock, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		processor: processor,
		wallet:    wallet,
		repo:      repo,
		lock:      lock,
		logger:    logger,
		config:    cfg,
	}
}

// ProcessDueMandates is the recurring batch that charges due mandates.
func (j *Jobs) ProcessDueMandates() {
	j.logger.Info("starting mandate batch job")
	ctx := context.Background()

	acquired, release, err := j.lock.Acquire(ctx, "mandate_batch", j.config.BatchLockTTL())
	if err != nil {
		// Run anyway: the cycle references keep a concurrent run harmless.
		j.logger.Warn("batch lock unavailable; proceeding without lease", "error", err)
	} else if !acquired {
		j.logger.Info("mandate batch already running elsewhere; skipping")
		return
	}
	defer release()

	result, err := j.processor.ProcessDueMandates(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("mandate batch failed", "error", err)
		return
	}

	j.logger.Info("mandate batch job finished",
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
	)
}

// ReconcilePendingFunding sweeps stale pending funding entries and verifies
// them against the gateway, so a lost webhook cannot strand a collection.
func (j *Jobs) ReconcilePendingFunding() {
	j.logger.Info("starting funding reconciliation job")
	ctx := context.Background()

	acquired, release, err := j.lock.Acquire(ctx, "funding_reconcile", j.config.BatchLockTTL())
	if err != nil {
		j.logger.Warn("batch lock unavailable; proceeding without lease", "error", err)
	} else if !acquired {
		j.logger.Info("funding reconciliation already running elsewhere; skipping")
		return
	}
	defer release()

	cutoff := time.Now().UTC().Add(-j.config.PendingFundingMaxAge())
	entries, err := j.repo.ListStalePendingEntries(ctx, cutoff, j.config.FundingReconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to list stale pending entries", "error", err)
		return
	}

	if len(entries) == 0 {
		j.logger.Info("no stale pending funding entries to reconcile")
		return
	}

	j.logger.Info("found stale pending funding entries", "count", len(entries))

	for _, entry := range entries {
		if err := j.wallet.ReconcilePendingEntry(ctx, entry); err != nil {
			j.logger.Error("failed to reconcile pending entry",
				"entry_id", entry.ID, "error", err)
			continue
		}
	}

	j.logger.Info("funding reconciliation job finished")
}
