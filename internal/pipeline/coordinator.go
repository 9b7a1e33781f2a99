package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// ErrImageNotFound is returned by retry when the original upload artifact is
// gone (typically TTL-purged).
var ErrImageNotFound = errors.New("original image not found")

// ErrJobNotRetryable is returned when retry targets a job that is not
// terminally failed.
var ErrJobNotRetryable = errors.New("job is not in a retryable state")

// UploadImage is one image of an upload request.
type UploadImage struct {
	Filename string
	Data     []byte
	Meta     models.ImageMeta
}

// Coordinator owns batch lifecycle: creation with credit holds, cancellation,
// refund reconciliation and single-job retries.
type Coordinator struct {
	storage interfaces.StorageManager
	store   *artifacts.FileStore
	events  interfaces.EventService
	cfg     *common.Config
	logger  arbor.ILogger
}

// NewCoordinator wires the batch coordinator.
func NewCoordinator(storage interfaces.StorageManager, store *artifacts.FileStore, events interfaces.EventService, cfg *common.Config, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		storage: storage,
		store:   store,
		events:  events,
		cfg:     cfg,
		logger:  logger,
	}
}

// JobCost prices one job by its plan: staging doubles the model spend.
func JobCost(plan []models.Stage) int {
	for _, s := range plan {
		if s == models.Stage2 {
			return 2
		}
	}
	return 1
}

// CreateBatch stores the uploads, places the credit hold and creates one
// queued job per image. The hold is taken before any job exists; if it fails
// nothing was written and the caller sees ErrInsufficientCredits.
func (c *Coordinator) CreateBatch(ctx context.Context, userID string, settings models.BatchSettings, images []UploadImage) (*models.Batch, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("at least one image is required")
	}

	batch := models.NewBatch(userID, settings)

	// Plan every job first so the hold covers the whole batch atomically.
	type planned struct {
		image   UploadImage
		imageID string
		plan    []models.Stage
		configs map[models.Stage]models.StageConfig
	}
	plans := make([]planned, 0, len(images))
	totalCost := 0

	for _, img := range images {
		plan := models.DerivePlan(models.PlanInput{
			SceneType:     img.Meta.SceneType,
			Declutter:     settings.Declutter,
			DeclutterMode: settings.DeclutterMode,
			AllowStaging:  settings.AllowStaging,
		})
		plans = append(plans, planned{
			image:   img,
			imageID: common.NewImageID(img.Data),
			plan:    plan,
			configs: c.stageConfigs(plan, settings, img.Meta),
		})
		totalCost += JobCost(plan)
	}

	if _, err := c.storage.Users().AdjustCredits(ctx, userID, -totalCost); err != nil {
		return nil, err
	}
	batch.CreditHold = totalCost

	// From here on the hold is committed; failures release it.
	release := func(reason error) error {
		if _, refundErr := c.storage.Users().AdjustCredits(ctx, userID, totalCost); refundErr != nil {
			c.logger.Error().
				Err(refundErr).
				Str("user_id", userID).
				Int("credits", totalCost).
				Msg("Failed to release credit hold after batch creation failure")
		}
		return reason
	}

	for _, p := range plans {
		ext := strings.ToLower(filepath.Ext(p.image.Filename))
		if ext != ".png" {
			ext = ".jpg"
		}
		contentType := "image/jpeg"
		if ext == ".png" {
			contentType = "image/png"
		}

		inputURL, err := c.store.Put(ctx, artifacts.OriginalKey(p.imageID, ext), p.image.Data, contentType)
		if err != nil {
			return nil, release(fmt.Errorf("failed to store upload: %w", err))
		}

		job := models.NewJob(batch.ID, p.imageID, inputURL, p.plan, p.configs)
		job.CreditsCharged = JobCost(p.plan)
		job.Meta.ScenePrediction = p.image.Meta.ScenePrediction
		job.Meta.ManualSceneOverride = p.image.Meta.ManualSceneOverride
		job.Meta.AllowStaging = settings.AllowStaging
		job.Meta.RoomKey = p.image.Meta.RoomKey
		job.Meta.AngleOrder = p.image.Meta.AngleOrder
		job.Meta.RoomTypeDetected = p.image.Meta.RoomType

		if err := c.storage.Jobs().SaveJob(ctx, job); err != nil {
			return nil, release(fmt.Errorf("failed to save job: %w", err))
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if err := c.storage.Batches().SaveBatch(ctx, batch); err != nil {
		return nil, release(fmt.Errorf("failed to save batch: %w", err))
	}

	c.logger.Info().
		Str("batch_id", batch.ID).
		Str("user_id", userID).
		Int("jobs", len(batch.JobIDs)).
		Int("credit_hold", batch.CreditHold).
		Msg("Batch created")

	c.publishBatchUpdate(batch)
	return batch, nil
}

// stageConfigs builds the per-stage knobs for one image.
func (c *Coordinator) stageConfigs(plan []models.Stage, settings models.BatchSettings, meta models.ImageMeta) map[models.Stage]models.StageConfig {
	variant := settings.Stage2Variant
	if variant == "" {
		variant = models.DeriveStage2Variant(settings.Declutter, settings.DeclutterMode, settings.FurnishedState)
	}

	configs := make(map[models.Stage]models.StageConfig, len(plan))
	for _, stage := range plan {
		cfg := models.StageConfig{
			SceneType: meta.SceneType,
			RoomType:  meta.RoomType,
		}
		switch stage {
		case models.Stage1A:
			cfg.ReplaceSky = meta.ReplaceSky && meta.SceneType == models.SceneExterior
		case models.Stage1B:
			mode := settings.DeclutterMode
			if mode == "" {
				mode = models.DeclutterLight
			}
			cfg.DeclutterMode = mode
		case models.Stage2:
			cfg.Variant = variant
			cfg.StagingStyle = settings.StagingStyle
			cfg.FurnishedState = settings.FurnishedState
		}
		configs[stage] = cfg
	}
	return configs
}

// CancelBatch cancels every non-terminal job in the batch and reconciles
// refunds. Terminal jobs keep their state.
func (c *Coordinator) CancelBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	if _, err := c.storage.Batches().GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	jobs, err := c.storage.Jobs().GetJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if job.IsTerminal() {
			continue
		}
		if err := c.updateJobCAS(ctx, job, func(j *models.Job) {
			if j.IsTerminal() {
				return
			}
			j.Status = models.JobStatusCancelled
			j.ErrorCode = models.ErrCodeCancelled
		}); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to cancel job")
		}
	}

	if err := c.ReconcileRefunds(ctx, batchID); err != nil {
		c.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Refund reconciliation failed after cancel")
	}

	return c.storage.Batches().GetBatch(ctx, batchID)
}

// ReconcileRefunds returns held credits for failed and cancelled jobs. The
// batch records how much was already refunded, so re-running after a crash or
// a duplicate cancel never double-pays.
func (c *Coordinator) ReconcileRefunds(ctx context.Context, batchID string) error {
	for retries := 0; retries < 3; retries++ {
		batch, err := c.storage.Batches().GetBatch(ctx, batchID)
		if err != nil {
			return err
		}

		jobs, err := c.storage.Jobs().GetJobsByBatch(ctx, batchID)
		if err != nil {
			return err
		}

		owed := 0
		for _, job := range jobs {
			if job.Status == models.JobStatusFailed || job.Status == models.JobStatusCancelled {
				charged := job.CreditsCharged
				if charged == 0 {
					// Jobs persisted before charges were recorded per job.
					charged = JobCost(job.StagePlan)
				}
				owed += charged
			}
		}

		due := owed - batch.Refunded
		if due <= 0 {
			return nil
		}

		// Record the refund before paying it: a crash between the two leaves
		// credits under-refunded, never over-refunded, and support can fix
		// under-refunds from the batch record.
		batch.Refunded += due
		if err := c.storage.Batches().UpdateBatch(ctx, batch); err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				continue
			}
			return err
		}

		if _, err := c.storage.Users().AdjustCredits(ctx, batch.OwnerUserID, due); err != nil {
			return fmt.Errorf("failed to refund %d credits: %w", due, err)
		}

		c.logger.Info().
			Str("batch_id", batchID).
			Int("refunded", due).
			Msg("Credits refunded")
		return nil
	}
	return fmt.Errorf("refund reconciliation kept conflicting for batch %s", batchID)
}

// RetryJob re-queues a terminally failed job in strict mode. The caller pays
// for the retry with a fresh hold; the original artifact must still exist.
func (c *Coordinator) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.storage.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, ErrJobNotRetryable
	}

	data, err := c.store.GetByURL(ctx, job.InputImageURL)
	if err != nil || len(data) == 0 {
		return nil, ErrImageNotFound
	}

	batch, err := c.storage.Batches().GetBatch(ctx, job.BatchID)
	if err != nil {
		return nil, err
	}

	cost := JobCost(job.StagePlan)
	if _, err := c.storage.Users().AdjustCredits(ctx, batch.OwnerUserID, -cost); err != nil {
		return nil, err
	}

	reasons := FailureHints(lastReport(job))
	if err := c.updateJobCAS(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusQueued
		j.Error = ""
		j.ErrorCode = ""
		// The retry hold rides on the job so a second failure refunds it.
		j.CreditsCharged += cost
		j.Meta.StrictRetry = true
		j.Meta.StrictRetryReasons = reasons
		j.Retry.FailedFinal = false
		// The failed stage gets a fresh budget; committed stages stay.
		if j.Retry.LastFailedStage != "" {
			delete(j.Retry.Attempts, j.Retry.LastFailedStage)
		}
	}); err != nil {
		if _, refundErr := c.storage.Users().AdjustCredits(ctx, batch.OwnerUserID, cost); refundErr != nil {
			c.logger.Error().Err(refundErr).Str("job_id", jobID).Msg("Failed to release retry hold")
		}
		return nil, err
	}

	// Keep the batch total in step with the per-job charges.
	batch.CreditHold += cost
	if err := c.storage.Batches().UpdateBatch(ctx, batch); err != nil {
		c.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to record retry hold on batch")
	}

	c.logger.Info().Str("job_id", jobID).Msg("Job re-queued for strict retry")
	return c.storage.Jobs().GetJob(ctx, jobID)
}

func lastReport(job *models.Job) *models.ValidatorReport {
	for i := len(job.Meta.Attempts) - 1; i >= 0; i-- {
		if job.Meta.Attempts[i].Report != nil {
			return job.Meta.Attempts[i].Report
		}
	}
	return nil
}

func (c *Coordinator) updateJobCAS(ctx context.Context, job *models.Job, mutate func(*models.Job)) error {
	for retries := 0; ; retries++ {
		mutate(job)
		err := c.storage.Jobs().UpdateJob(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) || retries >= 3 {
			return err
		}
		current, readErr := c.storage.Jobs().GetJob(ctx, job.ID)
		if readErr != nil {
			return readErr
		}
		*job = *current
	}
}

func (c *Coordinator) publishBatchUpdate(batch *models.Batch) {
	if c.events == nil {
		return
	}
	_ = c.events.Publish(context.Background(), interfaces.Event{
		Type:      interfaces.EventBatchUpdate,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"batch_id": batch.ID,
			"jobs":     len(batch.JobIDs),
		},
	})
}
