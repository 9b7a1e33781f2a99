package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// maxStatusWait caps the optional long-poll on batch status.
const maxStatusWait = 2 * time.Second

// StatusHandler serves job and batch status. Polling this API is the source
// of truth for clients; WebSocket events only hint when to poll.
type StatusHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewStatusHandler(storage interfaces.StorageManager) *StatusHandler {
	return &StatusHandler{
		storage: storage,
		logger:  common.GetLogger(),
	}
}

// JobStatusHandler handles GET /api/status/{jobId}.
func (h *StatusHandler) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/status/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.storage.Jobs().GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job status read failed")
		WriteError(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	WriteJSON(w, http.StatusOK, models.StatusItemForJob(job, 0))
}

// BatchStatusHandler handles GET /api/status/batch?ids=a,b,c[&wait=1].
// With wait, the handler holds the request up to maxStatusWait and returns
// early once every listed job is terminal.
func (h *StatusHandler) BatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	idsParam := r.URL.Query().Get("ids")
	if idsParam == "" {
		WriteError(w, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	ids := strings.Split(idsParam, ",")

	wait := r.URL.Query().Get("wait") != ""

	status, err := h.collect(r.Context(), ids)
	if err != nil {
		h.logger.Error().Err(err).Msg("Batch status read failed")
		WriteError(w, http.StatusInternalServerError, "failed to read jobs")
		return
	}

	if wait && !status.Done {
		deadline := time.Now().Add(maxStatusWait)
		for time.Now().Before(deadline) && !status.Done {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			status, err = h.collect(r.Context(), ids)
			if err != nil {
				break
			}
		}
	}

	WriteJSON(w, http.StatusOK, status)
}

// collect builds the batch snapshot for a set of job IDs. Unknown IDs are
// reported as failed items rather than failing the whole request.
func (h *StatusHandler) collect(ctx context.Context, ids []string) (*models.BatchStatus, error) {
	status := &models.BatchStatus{Done: true}

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		job, err := h.storage.Jobs().GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				status.Items = append(status.Items, models.StatusItem{
					ID:         id,
					Status:     models.JobStatusFailed,
					ErrorCode:  models.ErrCodeImageNotFound,
					Error:      "job not found",
					IsTerminal: true,
				})
				status.Counts.Add(models.JobStatusFailed)
				continue
			}
			return nil, err
		}

		item := models.StatusItemForJob(job, 0)
		status.Items = append(status.Items, item)
		status.Counts.Add(job.Status)
		if !item.IsTerminal {
			status.Done = false
		}
	}

	status.Count = len(status.Items)
	return status, nil
}
