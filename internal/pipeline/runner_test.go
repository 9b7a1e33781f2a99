package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/models"
)

func (h *execHarness) newRunner() *Runner {
	return NewRunner(h.executor, h.jobs, nil, nil, h.cfg, h.logger)
}

func (h *execHarness) seedPlannedJob(t *testing.T, plan []models.Stage) *models.Job {
	t.Helper()
	ctx := context.Background()

	imageID := common.NewImageID([]byte("original bytes"))
	inputURL, err := h.store.Put(ctx, artifacts.OriginalKey(imageID, ".jpg"), []byte("original bytes"), "image/jpeg")
	require.NoError(t, err)

	configs := make(map[models.Stage]models.StageConfig, len(plan))
	for _, stage := range plan {
		configs[stage] = models.StageConfig{SceneType: models.SceneInterior}
	}

	job := models.NewJob("batch-1", imageID, inputURL, plan, configs)
	require.NoError(t, h.jobs.SaveJob(ctx, job))
	return job
}

func TestRunner_CompletesMultiStageJob(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedPlannedJob(t, []models.Stage{models.Stage1A, models.Stage1B})
	ctx := context.Background()

	h.newRunner().Run(ctx, job)

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, persisted.Status)
	assert.Equal(t, models.Stage1B, persisted.ResultStage)
	assert.Equal(t, persisted.StageURLs[models.Stage1B], persisted.ResultURL)
	assert.Len(t, persisted.StageURLs, 2)
	assert.Equal(t, 2, h.generator.callCount(), "one call per stage on a clean run")

	// Stage 1B generated from the 1A output, not the original.
	baseline := h.generator.calls[1].InputImage
	committed1A, err := h.store.GetByURL(ctx, persisted.StageURLs[models.Stage1A])
	require.NoError(t, err)
	assert.Equal(t, committed1A, baseline)
}

func TestRunner_SkipsCommittedStages(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedPlannedJob(t, []models.Stage{models.Stage1A, models.Stage1B})
	ctx := context.Background()

	// Stage 1A committed before a restart.
	url, err := h.store.Put(ctx, artifacts.StageKey(job.ImageID, models.Stage1A, 0), []byte("1A output"), "image/jpeg")
	require.NoError(t, err)
	job.StageURLs[models.Stage1A] = url
	require.NoError(t, h.jobs.UpdateJob(ctx, job))

	h.newRunner().Run(ctx, job)

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, persisted.Status)
	assert.Equal(t, 1, h.generator.callCount(), "the committed stage is not re-run")
	assert.Equal(t, []byte("1A output"), h.generator.calls[0].InputImage)
}

func TestRunner_RejectedStageFailsJob(t *testing.T) {
	judge := &stubJudge{semantic: &models.SemanticVerdict{
		Pass:        false,
		Confidence:  0.95,
		FailReasons: []string{"the fireplace was removed"},
	}}
	vcfg := common.ValidationConfig{
		LocalMode:      common.ValidatorModeOff,
		SemanticMode:   common.ValidatorModeBlock,
		HighConfidence: 0.8,
	}

	h := newExecHarness(t, judge, vcfg, 2)
	job := h.seedPlannedJob(t, []models.Stage{models.Stage1A, models.Stage1B})
	ctx := context.Background()

	h.newRunner().Run(ctx, job)

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, persisted.Status)
	assert.Equal(t, models.ErrCodeGeminiSemantic, persisted.ErrorCode)
	assert.NotEmpty(t, persisted.Error)
	assert.True(t, persisted.Retry.FailedFinal)
	assert.Equal(t, 2, h.generator.callCount(), "the plan stops at the first rejected stage")
}

func TestRunner_TerminalJobIsLeftAlone(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedPlannedJob(t, []models.Stage{models.Stage1A})
	ctx := context.Background()

	job.Status = models.JobStatusCompleted
	require.NoError(t, h.jobs.UpdateJob(ctx, job))

	h.newRunner().Run(ctx, job)
	assert.Equal(t, 0, h.generator.callCount())
}

func TestWorkerPool_RecoverOrphans(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedPlannedJob(t, []models.Stage{models.Stage1A, models.Stage1B})
	ctx := context.Background()

	// A previous run died mid-flight with 1A committed.
	job.Status = models.JobStatusProcessing
	job.StageURLs[models.Stage1A] = "/artifacts/x/stage1A/attempt0.jpg"
	require.NoError(t, h.jobs.UpdateJob(ctx, job))

	coordinator := NewCoordinator(h.storage, h.store, nil, h.cfg, h.logger)
	pool := NewWorkerPool(h.newRunner(), coordinator, h.jobs, h.cfg, h.logger)
	pool.recoverOrphans()

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, persisted.Status)
	assert.Contains(t, persisted.StageURLs, models.Stage1A, "committed work survives recovery")
}

func TestWorkerPool_ClaimsAndRunsQueuedJob(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	ctx := context.Background()

	require.NoError(t, h.storage.Users().SaveUser(ctx, &models.User{ID: "user-1", Email: "u@x.com", Credits: 5}))
	coordinator := NewCoordinator(h.storage, h.store, nil, h.cfg, h.logger)
	batch, err := coordinator.CreateBatch(ctx, "user-1", models.BatchSettings{},
		[]UploadImage{{Filename: "a.jpg", Data: []byte{1, 2, 3}, Meta: models.ImageMeta{SceneType: models.SceneInterior}}})
	require.NoError(t, err)

	pool := NewWorkerPool(h.newRunner(), coordinator, h.jobs, h.cfg, h.logger)
	pool.processNextJob(0)

	persisted, err := h.jobs.GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, persisted.Status)
}

func TestWorkerPool_FailedJobTriggersRefund(t *testing.T) {
	judge := &stubJudge{semantic: &models.SemanticVerdict{Pass: false, Confidence: 0.95, FailReasons: []string{"x"}}}
	vcfg := common.ValidationConfig{
		LocalMode:      common.ValidatorModeOff,
		SemanticMode:   common.ValidatorModeBlock,
		HighConfidence: 0.8,
	}
	h := newExecHarness(t, judge, vcfg, 1)
	ctx := context.Background()

	require.NoError(t, h.storage.Users().SaveUser(ctx, &models.User{ID: "user-1", Email: "u@x.com", Credits: 5}))
	coordinator := NewCoordinator(h.storage, h.store, nil, h.cfg, h.logger)
	batch, err := coordinator.CreateBatch(ctx, "user-1", models.BatchSettings{},
		[]UploadImage{{Filename: "a.jpg", Data: []byte{1, 2, 3}, Meta: models.ImageMeta{SceneType: models.SceneInterior}}})
	require.NoError(t, err)

	held, err := h.storage.Users().GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 4, held.Credits)

	pool := NewWorkerPool(h.newRunner(), coordinator, h.jobs, h.cfg, h.logger)
	pool.processNextJob(0)

	persisted, err := h.jobs.GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, persisted.Status)

	refunded, err := h.storage.Users().GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, refunded.Credits, "the failed job's hold is returned")
}
