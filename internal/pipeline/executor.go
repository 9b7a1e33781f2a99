package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
	"github.com/relume-ai/relume/internal/validation"
)

// ErrStageRejected is returned when a stage exhausts its attempt budget
// without a compliant candidate.
var ErrStageRejected = errors.New("stage rejected after all attempts")

// ErrJobCancelled is returned when a cancellation checkpoint observes a
// cancelled job.
var ErrJobCancelled = errors.New("job cancelled")

// Executor runs one stage of one job: generate, store, validate, commit.
// Generative calls pass through a shared rate limiter and an in-flight
// semaphore so a large batch cannot stampede the model API.
type Executor struct {
	generator interfaces.ImageGenerator
	validator *validation.Orchestrator
	store     *artifacts.FileStore
	jobs      interfaces.JobStore
	cfg       *common.Config
	logger    arbor.ILogger
	limiter   *rate.Limiter
	inflight  chan struct{}
}

// NewExecutor wires the stage executor. A ModelCallRate of zero disables
// rate limiting; ModelCallLimit bounds concurrent in-flight calls.
func NewExecutor(
	generator interfaces.ImageGenerator,
	validator *validation.Orchestrator,
	store *artifacts.FileStore,
	jobs interfaces.JobStore,
	cfg *common.Config,
	logger arbor.ILogger,
) *Executor {
	limit := rate.Inf
	if cfg.Workers.ModelCallRate > 0 {
		limit = rate.Limit(cfg.Workers.ModelCallRate)
	}
	capacity := cfg.Workers.ModelCallLimit
	if capacity <= 0 {
		capacity = 4
	}

	return &Executor{
		generator: generator,
		validator: validator,
		store:     store,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		inflight:  make(chan struct{}, capacity),
	}
}

// StageOutcome is the result of a completed stage run.
type StageOutcome struct {
	// CommittedURL is the artifact URL recorded in StageURLs on success.
	CommittedURL string
	// LastReport is the final attempt's validation report.
	LastReport *models.ValidatorReport
	// ErrorCode is set when the stage failed terminally.
	ErrorCode string
}

// RunStage drives a stage to success, rejection or timeout. The job pointer
// is mutated and persisted after every attempt so a restart resumes with
// attempt counters and traces intact.
func (e *Executor) RunStage(ctx context.Context, job *models.Job, stage models.Stage) (*StageOutcome, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Pipeline.StageTimeoutDuration())
	defer cancel()

	stageStart := time.Now()
	config := job.StageConfigs[stage]
	maxAttempts := e.cfg.Pipeline.MaxAttemptsPerStage
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastReport *models.ValidatorReport
	var hints []string
	if job.Meta.StrictRetry {
		hints = job.Meta.StrictRetryReasons
	}

	for attempt := job.Retry.AttemptCount(stage); attempt < maxAttempts; attempt++ {
		if err := e.checkCancelled(stageCtx, job); err != nil {
			return nil, err
		}
		if stageCtx.Err() != nil {
			return e.failStage(ctx, job, stage, lastReport, models.ErrCodeTimeout)
		}

		outcome, report, err := e.runAttempt(stageCtx, job, stage, config, attempt, hints)
		lastReport = report

		if err != nil {
			// Only the stage clock is terminal. A per-call generate timeout
			// burns the attempt like any transport failure and the loop
			// retries.
			if stageCtx.Err() != nil {
				return e.failStage(ctx, job, stage, lastReport, models.ErrCodeTimeout)
			}
			// Transport failure burns the attempt like a rejection; the
			// tightened prompt is harmless and the budget stays bounded.
			e.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("stage", string(stage)).
				Int("attempt", attempt).
				Msg("Stage attempt errored")

			if commitErr := e.commit(ctx, job, func(j *models.Job) {
				RecordFailure(j, stage, err.Error())
			}); commitErr != nil {
				return nil, commitErr
			}
			continue
		}

		if report.Final.Pass {
			if commitErr := e.commit(ctx, job, func(j *models.Job) {
				j.StageURLs[stage] = outcome
				if j.Meta.Compliance == nil {
					j.Meta.Compliance = make(map[models.Stage]*models.ValidatorReport)
				}
				j.Meta.Compliance[stage] = report
				if j.Meta.Timings == nil {
					j.Meta.Timings = make(map[string]int64)
				}
				j.Meta.Timings["stage_"+string(stage)] = time.Since(stageStart).Milliseconds()
			}); commitErr != nil {
				return nil, commitErr
			}

			e.logger.Info().
				Str("job_id", job.ID).
				Str("stage", string(stage)).
				Int("attempt", attempt).
				Dur("elapsed", time.Since(stageStart)).
				Msg("Stage committed")

			return &StageOutcome{CommittedURL: outcome, LastReport: report}, nil
		}

		// Rejected; tighten and retry.
		hints = FailureHints(report)
		if commitErr := e.commit(ctx, job, func(j *models.Job) {
			RecordFailure(j, stage, report.Final.Reason)
		}); commitErr != nil {
			return nil, commitErr
		}
	}

	code := models.ErrCodeRetryComplianceFailed
	if lastReport != nil {
		code = ErrorCodeForReport(stage, lastReport)
	}
	return e.failStage(ctx, job, stage, lastReport, code)
}

// runAttempt performs one generate/store/validate cycle and records the
// attempt trace. Returns the candidate URL and the validation report.
func (e *Executor) runAttempt(ctx context.Context, job *models.Job, stage models.Stage, config models.StageConfig, attempt int, hints []string) (string, *models.ValidatorReport, error) {
	record := models.AttemptRecord{
		Stage:     stage,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		record.CompletedAt = time.Now().UTC()
		e.commitAttemptRecord(ctx, job, record)
	}()

	level := TightenLevelFor(attempt, job.Meta.StrictRetry)
	record.TightenLevel = level

	baselineURL := job.LatestUpstreamURL(stage)
	baseline, err := e.store.GetByURL(ctx, baselineURL)
	if err != nil {
		record.Error = fmt.Sprintf("baseline fetch: %v", err)
		return "", nil, fmt.Errorf("failed to fetch baseline %s: %w", baselineURL, err)
	}

	prompt := BuildPrompt(&PromptSpec{
		Stage:        stage,
		Config:       config,
		TightenLevel: level,
		FailureHints: hints,
	})

	candidate, err := e.generate(ctx, prompt, baseline, level)
	if err != nil {
		record.Error = fmt.Sprintf("generate: %v", err)
		return "", nil, err
	}

	key := artifacts.StageKey(job.ImageID, stage, attempt)
	candidateURL, err := e.store.Put(ctx, key, candidate.Image, candidate.MIME)
	if err != nil {
		record.Error = fmt.Sprintf("store candidate: %v", err)
		return "", nil, fmt.Errorf("failed to store candidate: %w", err)
	}
	record.CandidateURL = candidateURL

	report := e.validator.Validate(ctx, &validation.Request{
		Stage:         stage,
		Variant:       config.Variant,
		DeclutterMode: config.DeclutterMode,
		Scene:         config.SceneType,
		BaseKey:       baselineURL,
		Base:          baseline,
		Candidate:     candidate.Image,
		MIME:          candidate.MIME,
		BaselinePath:  baselineURL,
		CandidatePath: candidateURL,
	})
	record.Report = report

	return candidateURL, report, nil
}

// generate runs one rate-limited generative call under the per-call timeout.
func (e *Executor) generate(ctx context.Context, prompt string, input []byte, level int) (*interfaces.GenerateResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	select {
	case e.inflight <- struct{}{}:
		defer func() { <-e.inflight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.Pipeline.GenerateTimeoutDuration())
	defer cancel()

	return e.generator.Generate(genCtx, &interfaces.GenerateRequest{
		Prompt:     prompt,
		InputImage: input,
		InputMIME:  "image/jpeg",
		Sampling:   SamplingFor(level),
	})
}

// failStage records the terminal stage failure on the job and returns the
// outcome with ErrStageRejected.
func (e *Executor) failStage(ctx context.Context, job *models.Job, stage models.Stage, report *models.ValidatorReport, code string) (*StageOutcome, error) {
	if err := e.commit(ctx, job, func(j *models.Job) {
		j.Retry.LastFailedStage = stage
		j.Retry.FailedFinal = true
	}); err != nil {
		return nil, err
	}
	return &StageOutcome{LastReport: report, ErrorCode: code}, ErrStageRejected
}

// checkCancelled re-reads the job and surfaces a user cancellation. Runs at
// attempt boundaries; a cancel mid-generation takes effect on the next
// checkpoint.
func (e *Executor) checkCancelled(ctx context.Context, job *models.Job) error {
	current, err := e.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return nil // transient read failures never cancel work
	}
	if current.Status == models.JobStatusCancelled {
		return ErrJobCancelled
	}
	// Pick up external writes (cancellation flags, version bumps).
	*job = *current
	return nil
}

// commit applies mutate and persists with compare-and-set, re-reading and
// re-applying on conflict.
func (e *Executor) commit(ctx context.Context, job *models.Job, mutate func(*models.Job)) error {
	for retries := 0; ; retries++ {
		mutate(job)
		err := e.jobs.UpdateJob(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) || retries >= 3 {
			return err
		}
		current, readErr := e.jobs.GetJob(ctx, job.ID)
		if readErr != nil {
			return readErr
		}
		*job = *current
	}
}

func (e *Executor) commitAttemptRecord(ctx context.Context, job *models.Job, record models.AttemptRecord) {
	if err := e.commit(ctx, job, func(j *models.Job) {
		j.Meta.Attempts = append(j.Meta.Attempts, record)
	}); err != nil {
		e.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Failed to persist attempt record")
	}
}
