package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
	"github.com/relume-ai/relume/internal/pipeline"
)

// JobHandler serves job retry and batch cancel operations.
type JobHandler struct {
	coordinator *pipeline.Coordinator
	storage     interfaces.StorageManager
	logger      arbor.ILogger
}

func NewJobHandler(coordinator *pipeline.Coordinator, storage interfaces.StorageManager) *JobHandler {
	return &JobHandler{
		coordinator: coordinator,
		storage:     storage,
		logger:      common.GetLogger(),
	}
}

// RetryHandler handles POST /api/jobs/{id}/retry. The retried job re-runs
// its failed stage in strict mode; a fresh credit hold pays for it.
func (h *JobHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := pathSegment(r.URL.Path, "/api/jobs/", "/retry")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.coordinator.RetryJob(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, pipeline.ErrImageNotFound):
			WriteErrorCode(w, http.StatusGone, models.ErrCodeImageNotFound, "original image is no longer available")
		case errors.Is(err, pipeline.ErrJobNotRetryable):
			WriteErrorCode(w, http.StatusConflict, models.ErrCodeRetryComplianceFailed, "only failed jobs can be retried")
		case errors.Is(err, interfaces.ErrInsufficientCredits):
			WriteErrorCode(w, http.StatusPaymentRequired, models.ErrCodeQuotaExceeded, "not enough credits for a retry")
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job retry failed")
			WriteError(w, http.StatusInternalServerError, "failed to retry job")
		}
		return
	}

	WriteJSON(w, http.StatusAccepted, models.StatusItemForJob(job, 0))
}

// CancelBatchHandler handles POST /api/batches/{id}/cancel.
func (h *JobHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	batchID := pathSegment(r.URL.Path, "/api/batches/", "/cancel")
	if batchID == "" {
		WriteError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	batch, err := h.coordinator.CancelBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error().Err(err).Str("batch_id", batchID).Msg("Batch cancel failed")
		WriteError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batchId":  batch.ID,
		"refunded": batch.Refunded,
	})
}

// BatchJobsHandler handles GET /api/batches/{id}, returning the batch's job
// snapshots in upload order.
func (h *JobHandler) BatchJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	batchID := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if batchID == "" || strings.Contains(batchID, "/") {
		WriteError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	batch, err := h.storage.Batches().GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "batch not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to read batch")
		return
	}

	status := models.BatchStatus{Done: true}
	for _, jobID := range batch.JobIDs {
		job, err := h.storage.Jobs().GetJob(r.Context(), jobID)
		if err != nil {
			continue
		}
		item := models.StatusItemForJob(job, 0)
		status.Items = append(status.Items, item)
		status.Counts.Add(job.Status)
		if !item.IsTerminal {
			status.Done = false
		}
	}
	status.Count = len(status.Items)

	WriteJSON(w, http.StatusOK, status)
}

// pathSegment extracts the id between prefix and suffix, e.g. the "{id}" of
// /api/jobs/{id}/retry.
func pathSegment(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
