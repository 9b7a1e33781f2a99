package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// Purger expires old terminal jobs and their artifacts on a cron schedule,
// and fails jobs that sat queued past the job deadline without ever being
// claimed.
type Purger struct {
	storage     interfaces.StorageManager
	store       *artifacts.FileStore
	coordinator *Coordinator
	cfg         *common.Config
	logger      arbor.ILogger
	cron        *cron.Cron
}

// NewPurger wires the purge sweep.
func NewPurger(storage interfaces.StorageManager, store *artifacts.FileStore, coordinator *Coordinator, cfg *common.Config, logger arbor.ILogger) *Purger {
	return &Purger{
		storage:     storage,
		store:       store,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start schedules the sweep. The schedule accepts cron specs and the
// "@every" shorthand.
func (p *Purger) Start() error {
	schedule := p.cfg.Pipeline.PurgeSchedule
	if schedule == "" {
		schedule = "@every 1h"
	}

	if _, err := p.cron.AddFunc(schedule, p.Sweep); err != nil {
		return err
	}
	p.cron.Start()

	p.logger.Info().Str("schedule", schedule).Msg("Purge sweep scheduled")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (p *Purger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one purge pass.
func (p *Purger) Sweep() {
	ctx := context.Background()
	ttl := p.cfg.Pipeline.TTLDuration()
	cutoff := time.Now().UTC().Add(-ttl)

	p.failStuckQueued(ctx)

	purged := 0
	touchedBatches := make(map[string]struct{})
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		jobs, err := p.storage.Jobs().GetJobsByStatus(ctx, status)
		if err != nil {
			p.logger.Warn().Err(err).Str("status", string(status)).Msg("Purge scan failed")
			continue
		}

		for _, job := range jobs {
			if job.UpdatedAt.After(cutoff) {
				continue
			}

			if err := p.store.DeleteTree(ctx, job.ImageID); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete expired artifacts")
			}
			if err := p.storage.Jobs().DeleteJob(ctx, job.ID); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete expired job")
				continue
			}
			purged++
			touchedBatches[job.BatchID] = struct{}{}
		}
	}

	p.purgeEmptyBatches(ctx, touchedBatches)

	if purged > 0 {
		p.logger.Info().Int("jobs", purged).Dur("ttl", ttl).Msg("Purge sweep completed")
	}
}

// failStuckQueued fails jobs that outlived the job deadline without ever
// being claimed, then releases their held credits. No worker will ever run
// these jobs, so the sweep is the only place their refund can happen.
func (p *Purger) failStuckQueued(ctx context.Context) {
	deadline := time.Now().UTC().Add(-p.cfg.Pipeline.JobTimeoutDuration())

	queued, err := p.storage.Jobs().GetJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return
	}

	failedBatches := make(map[string]struct{})
	for _, job := range queued {
		if job.CreatedAt.After(deadline) {
			continue
		}
		job.Status = models.JobStatusFailed
		job.ErrorCode = models.ErrCodeStuckQueued
		job.Error = "job was never claimed before its deadline"
		if err := p.storage.Jobs().UpdateJob(ctx, job); err != nil {
			continue
		}
		failedBatches[job.BatchID] = struct{}{}
		p.logger.Warn().Str("job_id", job.ID).Msg("Failed stuck queued job")
	}

	for batchID := range failedBatches {
		if err := p.coordinator.ReconcileRefunds(ctx, batchID); err != nil {
			p.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Refund reconciliation failed after stuck-queued sweep")
		}
	}
}

// purgeEmptyBatches removes batches whose jobs were all purged this sweep.
func (p *Purger) purgeEmptyBatches(ctx context.Context, batchIDs map[string]struct{}) {
	for batchID := range batchIDs {
		jobs, err := p.storage.Jobs().GetJobsByBatch(ctx, batchID)
		if err != nil || len(jobs) > 0 {
			continue
		}
		if err := p.storage.Batches().DeleteBatch(ctx, batchID); err == nil {
			p.logger.Debug().Str("batch_id", batchID).Msg("Deleted empty batch")
		}
	}
}
