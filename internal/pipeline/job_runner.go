package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// Runner drives one job through its stage plan. Status transitions are
// monotone: queued -> processing -> completed | failed | cancelled. Terminal
// states never change.
type Runner struct {
	executor *Executor
	jobs     interfaces.JobStore
	events   interfaces.EventService
	analyzer interfaces.FailureAnalyzer
	cfg      *common.Config
	logger   arbor.ILogger
}

// NewRunner wires the job runner. The analyzer may be nil; post-mortems are
// strictly best-effort.
func NewRunner(executor *Executor, jobs interfaces.JobStore, events interfaces.EventService, analyzer interfaces.FailureAnalyzer, cfg *common.Config, logger arbor.ILogger) *Runner {
	return &Runner{
		executor: executor,
		jobs:     jobs,
		events:   events,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the job to a terminal state. Safe to call on a job that was
// mid-flight at shutdown: committed stages are skipped and the plan resumes
// at the first stage without a committed URL.
func (r *Runner) Run(ctx context.Context, job *models.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.Pipeline.JobTimeoutDuration())
	defer cancel()

	if job.IsTerminal() {
		return
	}

	if job.Status != models.JobStatusProcessing {
		if err := r.executor.commit(jobCtx, job, func(j *models.Job) {
			j.Status = models.JobStatusProcessing
		}); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job processing")
			return
		}
	}
	r.publishProgress(job, 0.0)

	for i, stage := range job.StagePlan {
		if _, done := job.StageURLs[stage]; done {
			continue
		}

		if jobCtx.Err() != nil {
			r.finishFailed(ctx, job, models.ErrCodeTimeout, "job deadline exceeded")
			return
		}

		if err := r.executor.commit(jobCtx, job, func(j *models.Job) {
			j.CurrentStage = i
		}); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record current stage")
			return
		}

		outcome, err := r.executor.RunStage(jobCtx, job, stage)
		switch {
		case err == nil:
			r.publishProgress(job, 0.0)

		case errors.Is(err, ErrJobCancelled):
			r.finishCancelled(ctx, job)
			return

		case errors.Is(err, ErrStageRejected):
			reason := "stage rejected"
			if outcome.LastReport != nil && outcome.LastReport.Final.Reason != "" {
				reason = outcome.LastReport.Final.Reason
			}
			r.finishFailed(ctx, job, outcome.ErrorCode, reason)
			return

		case errors.Is(err, context.DeadlineExceeded):
			r.finishFailed(ctx, job, models.ErrCodeTimeout, "job deadline exceeded")
			return

		default:
			r.finishFailed(ctx, job, models.ErrCodeValidatorError, err.Error())
			return
		}
	}

	r.finishCompleted(ctx, job)
}

func (r *Runner) finishCompleted(ctx context.Context, job *models.Job) {
	final := job.StagePlan[len(job.StagePlan)-1]
	if err := r.executor.commit(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.ResultStage = final
		j.ResultURL = j.StageURLs[final]
	}); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
		return
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("result_stage", string(final)).
		Msg("Job completed")
	r.publishProgress(job, 0.0)
}

func (r *Runner) finishFailed(ctx context.Context, job *models.Job, code, reason string) {
	if err := r.executor.commit(ctx, job, func(j *models.Job) {
		if j.IsTerminal() {
			return
		}
		j.Status = models.JobStatusFailed
		j.ErrorCode = code
		j.Error = reason
		j.Retry.FailedFinal = true
	}); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}

	r.logger.Warn().
		Str("job_id", job.ID).
		Str("error_code", code).
		Str("reason", reason).
		Msg("Job failed")
	r.publishProgress(job, 0.0)

	r.analyzeFailure(ctx, job)
}

func (r *Runner) finishCancelled(ctx context.Context, job *models.Job) {
	if err := r.executor.commit(ctx, job, func(j *models.Job) {
		if j.Status == models.JobStatusCancelled {
			return
		}
		j.Status = models.JobStatusCancelled
		j.ErrorCode = models.ErrCodeCancelled
	}); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job cancelled")
		return
	}

	r.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
	r.publishProgress(job, 0.0)
}

// analyzeFailure runs the post-mortem model on a terminally failed job.
// Errors are logged and dropped; analysis never re-opens job state.
func (r *Runner) analyzeFailure(ctx context.Context, job *models.Job) {
	if r.analyzer == nil || !r.cfg.Pipeline.AnalyzeFailures {
		return
	}

	var reports []*models.ValidatorReport
	for _, rec := range job.Meta.Attempts {
		if rec.Report != nil {
			reports = append(reports, rec.Report)
		}
	}

	analysis, err := r.analyzer.Analyze(ctx, &interfaces.AnalysisRequest{
		OriginalImageURL: job.InputImageURL,
		StageURLs:        job.StageURLs,
		Reports:          reports,
		Retry:            job.Retry,
		ErrorCode:        job.ErrorCode,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failure analysis unavailable")
		return
	}

	if err := r.executor.commit(ctx, job, func(j *models.Job) {
		j.Meta.Analysis = analysis
	}); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist failure analysis")
	}
}

// publishProgress pushes a job_update event. Best-effort; the polling status
// API is the source of truth.
func (r *Runner) publishProgress(job *models.Job, intraStage float64) {
	if r.events == nil {
		return
	}
	_ = r.events.Publish(context.Background(), interfaces.Event{
		Type:      interfaces.EventJobUpdate,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"job_id":     job.ID,
			"batch_id":   job.BatchID,
			"status":     string(job.Status),
			"progress":   job.Progress(intraStage),
			"error_code": job.ErrorCode,
		},
	})
}
