package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
	"github.com/relume-ai/relume/internal/storage/filekv"
)

type coordHarness struct {
	coordinator *Coordinator
	storage     interfaces.StorageManager
	store       *artifacts.FileStore
}

func newCoordHarness(t *testing.T) *coordHarness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := filekv.NewManager(logger, filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store, err := artifacts.NewFileStore(&common.ArtifactsConfig{Dir: t.TempDir()}, logger)
	require.NoError(t, err)

	return &coordHarness{
		coordinator: NewCoordinator(manager, store, nil, &common.Config{}, logger),
		storage:     manager,
		store:       store,
	}
}

func (h *coordHarness) seedUser(t *testing.T, credits int) string {
	t.Helper()
	user := &models.User{ID: "user-1", Email: "agent@example.com", Credits: credits}
	require.NoError(t, h.storage.Users().SaveUser(context.Background(), user))
	return user.ID
}

func (h *coordHarness) credits(t *testing.T, userID string) int {
	t.Helper()
	user, err := h.storage.Users().GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Credits
}

func uploadImage(name string, meta models.ImageMeta) UploadImage {
	return UploadImage{Filename: name, Data: []byte("bytes of " + name), Meta: meta}
}

func TestJobCost(t *testing.T) {
	assert.Equal(t, 1, JobCost([]models.Stage{models.Stage1A}))
	assert.Equal(t, 1, JobCost([]models.Stage{models.Stage1A, models.Stage1B}))
	assert.Equal(t, 2, JobCost([]models.Stage{models.Stage1A, models.Stage1B, models.Stage2}))
}

func TestCreateBatch_HoldsCreditsAndQueuesJobs(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	// One staged interior (cost 2) plus one exterior (cost 1).
	batch, err := h.coordinator.CreateBatch(ctx, userID,
		models.BatchSettings{Declutter: true, DeclutterMode: models.DeclutterFull, AllowStaging: true},
		[]UploadImage{
			uploadImage("living.jpg", models.ImageMeta{SceneType: models.SceneInterior, RoomType: "living room"}),
			uploadImage("facade.png", models.ImageMeta{SceneType: models.SceneExterior}),
		})
	require.NoError(t, err)

	assert.Equal(t, 3, batch.CreditHold)
	assert.Equal(t, 7, h.credits(t, userID))
	require.Len(t, batch.JobIDs, 2)

	interior, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, interior.Status)
	assert.Equal(t, []models.Stage{models.Stage1A, models.Stage1B, models.Stage2}, interior.StagePlan)
	assert.Equal(t, models.Variant2B, interior.StageConfigs[models.Stage2].Variant, "full declutter stages onto an empty room")
	assert.Equal(t, models.DeclutterFull, interior.StageConfigs[models.Stage1B].DeclutterMode)

	exterior, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.Stage1A, models.Stage1B}, exterior.StagePlan, "staging never applies to exteriors")

	// The uploads are durably stored and addressable from the jobs.
	for _, id := range batch.JobIDs {
		job, err := h.storage.Jobs().GetJob(ctx, id)
		require.NoError(t, err)
		_, err = h.store.GetByURL(ctx, job.InputImageURL)
		assert.NoError(t, err)
	}
}

func TestCreateBatch_InsufficientCredits(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 1)
	ctx := context.Background()

	_, err := h.coordinator.CreateBatch(ctx, userID,
		models.BatchSettings{AllowStaging: true},
		[]UploadImage{uploadImage("room.jpg", models.ImageMeta{SceneType: models.SceneInterior})})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientCredits)

	// Nothing was written and the balance is untouched.
	assert.Equal(t, 1, h.credits(t, userID))
	queued, err := h.storage.Jobs().GetJobsByStatus(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestCreateBatch_RequiresImages(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 5)

	_, err := h.coordinator.CreateBatch(context.Background(), userID, models.BatchSettings{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 5, h.credits(t, userID))
}

func TestCancelBatch_RefundsNonTerminalJobs(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	batch, err := h.coordinator.CreateBatch(ctx, userID, models.BatchSettings{},
		[]UploadImage{
			uploadImage("a.jpg", models.ImageMeta{SceneType: models.SceneInterior}),
			uploadImage("b.jpg", models.ImageMeta{SceneType: models.SceneInterior}),
		})
	require.NoError(t, err)
	assert.Equal(t, 8, h.credits(t, userID))

	// One job finished before the cancel arrived.
	done, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	done.Status = models.JobStatusCompleted
	require.NoError(t, h.storage.Jobs().UpdateJob(ctx, done))

	cancelled, err := h.coordinator.CancelBatch(ctx, batch.ID)
	require.NoError(t, err)

	kept, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, kept.Status, "terminal jobs keep their state")

	stopped, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stopped.Status)
	assert.Equal(t, models.ErrCodeCancelled, stopped.ErrorCode)

	// Only the cancelled job's credit comes back.
	assert.Equal(t, 9, h.credits(t, userID))
	assert.Equal(t, 1, cancelled.Refunded)
}

func TestReconcileRefunds_Idempotent(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	batch, err := h.coordinator.CreateBatch(ctx, userID, models.BatchSettings{},
		[]UploadImage{uploadImage("a.jpg", models.ImageMeta{SceneType: models.SceneInterior})})
	require.NoError(t, err)

	job, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	job.Status = models.JobStatusFailed
	require.NoError(t, h.storage.Jobs().UpdateJob(ctx, job))

	require.NoError(t, h.coordinator.ReconcileRefunds(ctx, batch.ID))
	assert.Equal(t, 10, h.credits(t, userID))

	// Replays never double-pay.
	require.NoError(t, h.coordinator.ReconcileRefunds(ctx, batch.ID))
	require.NoError(t, h.coordinator.ReconcileRefunds(ctx, batch.ID))
	assert.Equal(t, 10, h.credits(t, userID))

	reloaded, err := h.storage.Batches().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Refunded)
}

func TestRetryJob_RequeuesStrict(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	batch, err := h.coordinator.CreateBatch(ctx, userID, models.BatchSettings{Declutter: true},
		[]UploadImage{uploadImage("a.jpg", models.ImageMeta{SceneType: models.SceneInterior})})
	require.NoError(t, err)
	assert.Equal(t, 9, h.credits(t, userID))

	job, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	job.Status = models.JobStatusFailed
	job.ErrorCode = models.ErrCodeStage1BRejected
	job.Retry.LastFailedStage = models.Stage1B
	job.Retry.FailedFinal = true
	job.Retry.Attempts = map[models.Stage]int{models.Stage1A: 1, models.Stage1B: 3}
	job.Meta.Attempts = []models.AttemptRecord{{
		Stage: models.Stage1B,
		Report: &models.ValidatorReport{
			Semantic: &models.SemanticVerdict{FailReasons: []string{"a rug was added"}},
		},
	}}
	require.NoError(t, h.storage.Jobs().UpdateJob(ctx, job))

	retried, err := h.coordinator.RetryJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusQueued, retried.Status)
	assert.Empty(t, retried.ErrorCode)
	assert.True(t, retried.Meta.StrictRetry)
	assert.Equal(t, []string{"a rug was added"}, retried.Meta.StrictRetryReasons)
	assert.False(t, retried.Retry.FailedFinal)
	assert.Equal(t, 0, retried.Retry.AttemptCount(models.Stage1B), "the failed stage gets a fresh budget")
	assert.Equal(t, 1, retried.Retry.AttemptCount(models.Stage1A), "committed stages keep their history")

	// The retry is paid for and covered by the batch hold.
	assert.Equal(t, 8, h.credits(t, userID))
	reloaded, err := h.storage.Batches().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.CreditHold)
}

func TestRetryJob_SecondFailureRefundsRetrySpend(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	batch, err := h.coordinator.CreateBatch(ctx, userID, models.BatchSettings{},
		[]UploadImage{uploadImage("a.jpg", models.ImageMeta{SceneType: models.SceneInterior})})
	require.NoError(t, err)
	assert.Equal(t, 9, h.credits(t, userID))

	fail := func() {
		job, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
		require.NoError(t, err)
		job.Status = models.JobStatusFailed
		require.NoError(t, h.storage.Jobs().UpdateJob(ctx, job))
		require.NoError(t, h.coordinator.ReconcileRefunds(ctx, batch.ID))
	}

	// The first failure returns the original hold.
	fail()
	assert.Equal(t, 10, h.credits(t, userID))

	// The retry takes a fresh hold on the same job.
	_, err = h.coordinator.RetryJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 9, h.credits(t, userID))

	// A second terminal failure returns the retry spend as well.
	fail()
	assert.Equal(t, 10, h.credits(t, userID))

	reloaded, err := h.storage.Batches().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Refunded)
	assert.Equal(t, 2, reloaded.CreditHold)
}

func TestRetryJob_Errors(t *testing.T) {
	h := newCoordHarness(t)
	userID := h.seedUser(t, 10)
	ctx := context.Background()

	batch, err := h.coordinator.CreateBatch(ctx, userID, models.BatchSettings{},
		[]UploadImage{uploadImage("a.jpg", models.ImageMeta{SceneType: models.SceneInterior})})
	require.NoError(t, err)

	// Still queued: nothing to retry.
	_, err = h.coordinator.RetryJob(ctx, batch.JobIDs[0])
	assert.ErrorIs(t, err, ErrJobNotRetryable)

	_, err = h.coordinator.RetryJob(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Failed but the original artifact was purged.
	job, err := h.storage.Jobs().GetJob(ctx, batch.JobIDs[0])
	require.NoError(t, err)
	job.Status = models.JobStatusFailed
	require.NoError(t, h.storage.Jobs().UpdateJob(ctx, job))
	require.NoError(t, h.store.DeleteTree(ctx, job.ImageID))

	_, err = h.coordinator.RetryJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Equal(t, 9, h.credits(t, userID), "no hold is taken when the retry is impossible")
}
