package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
	"github.com/relume-ai/relume/internal/storage/filekv"
	"github.com/relume-ai/relume/internal/validation"
)

type stubGenerator struct {
	mu       sync.Mutex
	calls    []*interfaces.GenerateRequest
	failures int
	failErr  error
}

func (g *stubGenerator) Generate(_ context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.failures > 0 {
		g.failures--
		if g.failErr != nil {
			return nil, g.failErr
		}
		return nil, errors.New("model endpoint unavailable")
	}
	return &interfaces.GenerateResult{Image: []byte("candidate bytes"), MIME: "image/jpeg"}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type stubJudge struct {
	semantic *models.SemanticVerdict
}

func (j *stubJudge) EvaluateSemantic(context.Context, *interfaces.JudgeRequest) (*models.SemanticVerdict, error) {
	if j.semantic != nil {
		return j.semantic, nil
	}
	return &models.SemanticVerdict{Pass: true, Confidence: 0.9}, nil
}

func (j *stubJudge) EvaluatePlacement(context.Context, *interfaces.JudgeRequest) (*models.PlacementVerdict, error) {
	return &models.PlacementVerdict{Verdict: models.PlacementPass}, nil
}

type execHarness struct {
	executor  *Executor
	generator *stubGenerator
	storage   interfaces.StorageManager
	jobs      interfaces.JobStore
	store     *artifacts.FileStore
	cfg       *common.Config
	logger    arbor.ILogger
}

// newExecHarness wires an executor against the journal store with the local
// lane off, so candidates do not need to decode as images.
func newExecHarness(t *testing.T, judge interfaces.SemanticJudge, vcfg common.ValidationConfig, maxAttempts int) *execHarness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := filekv.NewManager(logger, filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store, err := artifacts.NewFileStore(&common.ArtifactsConfig{Dir: t.TempDir()}, logger)
	require.NoError(t, err)

	local := validation.NewLocal(&vcfg, logger)
	orchestrator := validation.NewOrchestrator(local, judge, func() common.ValidationConfig { return vcfg }, time.Second, logger)

	cfg := &common.Config{
		Pipeline: common.PipelineConfig{MaxAttemptsPerStage: maxAttempts},
	}

	generator := &stubGenerator{}
	return &execHarness{
		executor:  NewExecutor(generator, orchestrator, store, manager.Jobs(), cfg, logger),
		generator: generator,
		storage:   manager,
		jobs:      manager.Jobs(),
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
}

func (h *execHarness) seedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()

	imageID := common.NewImageID([]byte("original bytes"))
	inputURL, err := h.store.Put(ctx, artifacts.OriginalKey(imageID, ".jpg"), []byte("original bytes"), "image/jpeg")
	require.NoError(t, err)

	job := models.NewJob("batch-1", imageID, inputURL, []models.Stage{models.Stage1A},
		map[models.Stage]models.StageConfig{
			models.Stage1A: {SceneType: models.SceneInterior},
		})
	require.NoError(t, h.jobs.SaveJob(ctx, job))
	return job
}

func offModes() common.ValidationConfig {
	return common.ValidationConfig{
		LocalMode:    common.ValidatorModeOff,
		SemanticMode: common.ValidatorModeOff,
	}
}

func TestExecutor_CommitsOnPass(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedJob(t)
	ctx := context.Background()

	outcome, err := h.executor.RunStage(ctx, job, models.Stage1A)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.CommittedURL)
	assert.True(t, outcome.LastReport.Final.Pass)
	assert.Equal(t, 1, h.generator.callCount())

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.CommittedURL, persisted.StageURLs[models.Stage1A])
	assert.True(t, persisted.Meta.Compliance[models.Stage1A].Final.Pass)
	assert.Contains(t, persisted.Meta.Timings, "stage_1A")
	require.Len(t, persisted.Meta.Attempts, 1)
	assert.Equal(t, TightenNone, persisted.Meta.Attempts[0].TightenLevel)
	assert.Equal(t, outcome.CommittedURL, persisted.Meta.Attempts[0].CandidateURL)

	// The committed artifact is retrievable.
	data, err := h.store.GetByURL(ctx, outcome.CommittedURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("candidate bytes"), data)
}

func TestExecutor_TightensUntilExhausted(t *testing.T) {
	judge := &stubJudge{semantic: &models.SemanticVerdict{
		Pass:        false,
		Confidence:  0.9,
		FailReasons: []string{"a sofa was replaced"},
	}}
	vcfg := common.ValidationConfig{
		LocalMode:      common.ValidatorModeOff,
		SemanticMode:   common.ValidatorModeBlock,
		HighConfidence: 0.8,
	}

	h := newExecHarness(t, judge, vcfg, 3)
	job := h.seedJob(t)
	ctx := context.Background()

	outcome, err := h.executor.RunStage(ctx, job, models.Stage1A)
	assert.ErrorIs(t, err, ErrStageRejected)
	assert.Equal(t, models.ErrCodeGeminiSemantic, outcome.ErrorCode)
	require.Equal(t, 3, h.generator.callCount())

	// Each retry escalates the prompt and feeds back the judge's reasons.
	assert.NotContains(t, h.generator.calls[0].Prompt, "IMPORTANT:")
	assert.Contains(t, h.generator.calls[1].Prompt, "IMPORTANT:")
	assert.Contains(t, h.generator.calls[1].Prompt, "a sofa was replaced")
	assert.Contains(t, h.generator.calls[2].Prompt, "STRICT MODE")

	// Sampling narrows with every attempt.
	assert.Greater(t, h.generator.calls[0].Sampling.Temperature, h.generator.calls[1].Sampling.Temperature)
	assert.Greater(t, h.generator.calls[1].Sampling.Temperature, h.generator.calls[2].Sampling.Temperature)

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Retry.FailedFinal)
	assert.Equal(t, models.Stage1A, persisted.Retry.LastFailedStage)
	assert.Equal(t, 3, persisted.Retry.AttemptCount(models.Stage1A))
}

func TestExecutor_TransportErrorBurnsAttempt(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	h.generator.failures = 1
	job := h.seedJob(t)
	ctx := context.Background()

	outcome, err := h.executor.RunStage(ctx, job, models.Stage1A)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.CommittedURL)
	assert.Equal(t, 2, h.generator.callCount())

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Meta.Attempts, 2)
	assert.Contains(t, persisted.Meta.Attempts[0].Error, "generate")
	assert.Empty(t, persisted.Meta.Attempts[1].Error)
}

func TestExecutor_SlowGenerateCallBurnsOneAttempt(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	h.generator.failures = 1
	h.generator.failErr = fmt.Errorf("image generation failed: %w", context.DeadlineExceeded)
	job := h.seedJob(t)
	ctx := context.Background()

	// One generate call hitting its own deadline burns an attempt; only the
	// stage clock may end the stage with a timeout.
	outcome, err := h.executor.RunStage(ctx, job, models.Stage1A)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.CommittedURL)
	assert.Equal(t, 2, h.generator.callCount())

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, persisted.ErrorCode)
	assert.False(t, persisted.Retry.FailedFinal)
	require.Len(t, persisted.Meta.Attempts, 2)
	assert.Contains(t, persisted.Meta.Attempts[0].Error, "deadline")
}

func TestExecutor_ExhaustedBudgetFailsWithoutCalls(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 2)
	job := h.seedJob(t)
	ctx := context.Background()

	// A restart resumes with the recorded attempt counters.
	job.Retry.Attempts = map[models.Stage]int{models.Stage1A: 2}
	require.NoError(t, h.jobs.UpdateJob(ctx, job))

	outcome, err := h.executor.RunStage(ctx, job, models.Stage1A)
	assert.ErrorIs(t, err, ErrStageRejected)
	assert.Equal(t, models.ErrCodeRetryComplianceFailed, outcome.ErrorCode)
	assert.Equal(t, 0, h.generator.callCount())
}

func TestExecutor_CancelledJobStopsBeforeGenerating(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedJob(t)
	ctx := context.Background()

	cancelled, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	cancelled.Status = models.JobStatusCancelled
	require.NoError(t, h.jobs.UpdateJob(ctx, cancelled))

	_, err = h.executor.RunStage(ctx, job, models.Stage1A)
	assert.ErrorIs(t, err, ErrJobCancelled)
	assert.Equal(t, 0, h.generator.callCount())
}

func TestExecutor_StrictRetryStartsTight(t *testing.T) {
	h := newExecHarness(t, &stubJudge{}, offModes(), 3)
	job := h.seedJob(t)
	ctx := context.Background()

	job.Meta.StrictRetry = true
	job.Meta.StrictRetryReasons = []string{"window count changed from 2 to 3"}
	require.NoError(t, h.jobs.UpdateJob(ctx, job))

	_, err := h.executor.RunStage(ctx, job, models.Stage1A)
	require.NoError(t, err)
	require.Equal(t, 1, h.generator.callCount())

	// The first attempt of a strict retry already runs in strict mode with
	// the previous failure's reasons inlined.
	assert.Contains(t, h.generator.calls[0].Prompt, "STRICT MODE")
	assert.Contains(t, h.generator.calls[0].Prompt, "window count changed from 2 to 3")

	persisted, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, persisted.Meta.Attempts)
	assert.Equal(t, TightenStrict, persisted.Meta.Attempts[0].TightenLevel)
}
