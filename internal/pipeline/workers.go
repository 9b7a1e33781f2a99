package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// WorkerPool claims queued jobs and runs them to a terminal state. The job
// store is the queue: workers poll for queued jobs and claim one by flipping
// it to processing with a compare-and-set, so two workers never run the same
// job.
type WorkerPool struct {
	runner      *Runner
	coordinator *Coordinator
	jobs        interfaces.JobStore
	cfg         *common.Config
	logger      arbor.ILogger
	numWorkers  int
	poll        time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewWorkerPool wires the pool.
func NewWorkerPool(runner *Runner, coordinator *Coordinator, jobs interfaces.JobStore, cfg *common.Config, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	numWorkers := cfg.Workers.Concurrency
	if numWorkers <= 0 {
		numWorkers = 4
	}

	poll := 2 * time.Second
	if cfg.Workers.PollInterval != "" {
		if parsed, err := time.ParseDuration(cfg.Workers.PollInterval); err == nil && parsed > 0 {
			poll = parsed
		}
	}

	return &WorkerPool{
		runner:      runner,
		coordinator: coordinator,
		jobs:        jobs,
		cfg:         cfg,
		logger:      logger,
		numWorkers:  numWorkers,
		poll:        poll,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start recovers orphaned jobs and launches the workers.
func (wp *WorkerPool) Start() {
	wp.recoverOrphans()

	wp.logger.Info().
		Int("num_workers", wp.numWorkers).
		Dur("poll_interval", wp.poll).
		Msg("Starting worker pool")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops the worker pool gracefully. In-flight jobs observe the
// cancellation at their next checkpoint; their durable state lets a restart
// resume them.
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

// recoverOrphans re-queues jobs left in processing by a previous run.
// Committed stage URLs survive in the job record, so the resumed job skips
// finished stages.
func (wp *WorkerPool) recoverOrphans() {
	orphans, err := wp.jobs.GetJobsByStatus(wp.ctx, models.JobStatusProcessing)
	if err != nil {
		wp.logger.Warn().Err(err).Msg("Orphan recovery scan failed")
		return
	}

	for _, job := range orphans {
		if err := wp.casUpdate(job, func(j *models.Job) {
			j.Status = models.JobStatusQueued
		}); err != nil {
			wp.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to re-queue orphaned job")
			continue
		}
		wp.logger.Info().
			Str("job_id", job.ID).
			Int("stages_done", job.StagesDone()).
			Msg("Re-queued orphaned job")
	}
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	wp.logger.Debug().Int("worker_id", workerID).Msg("Worker started")

	ticker := time.NewTicker(wp.poll)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().Int("worker_id", workerID).Msg("Worker stopping")
			return
		case <-ticker.C:
			wp.processNextJob(workerID)
		}
	}
}

// processNextJob claims and runs at most one queued job.
func (wp *WorkerPool) processNextJob(workerID int) {
	queued, err := wp.jobs.GetJobsByStatus(wp.ctx, models.JobStatusQueued)
	if err != nil {
		wp.logger.Warn().Err(err).Msg("Queue poll failed")
		return
	}

	for _, job := range queued {
		claimed := job
		if err := wp.casUpdate(claimed, func(j *models.Job) {
			j.Status = models.JobStatusProcessing
		}); err != nil {
			// Another worker won the claim; try the next job.
			continue
		}

		wp.logger.Info().
			Int("worker_id", workerID).
			Str("job_id", claimed.ID).
			Str("batch_id", claimed.BatchID).
			Msg("Processing job")

		wp.runner.Run(wp.ctx, claimed)

		// Terminal failures release held credits.
		if claimed.Status == models.JobStatusFailed || claimed.Status == models.JobStatusCancelled {
			if err := wp.coordinator.ReconcileRefunds(wp.ctx, claimed.BatchID); err != nil {
				wp.logger.Warn().Err(err).Str("batch_id", claimed.BatchID).Msg("Refund reconciliation failed")
			}
		}
		return
	}
}

// casUpdate applies mutate and persists once. A version conflict means
// another worker touched the job first; callers treat that as losing the
// claim.
func (wp *WorkerPool) casUpdate(job *models.Job, mutate func(*models.Job)) error {
	mutate(job)
	return wp.jobs.UpdateJob(wp.ctx, job)
}
