package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
	"github.com/relume-ai/relume/internal/pipeline"
)

// maxUploadBytes bounds one multipart upload request.
const maxUploadBytes = 256 << 20

// uploadFields are the non-file parts of the upload form.
type uploadFields struct {
	UserID   string               `validate:"required"`
	Settings models.BatchSettings `validate:"-"`
	Meta     []models.ImageMeta   `validate:"-"`
}

// UploadHandler accepts a multipart batch upload and creates the jobs.
type UploadHandler struct {
	coordinator *pipeline.Coordinator
	validate    *validator.Validate
	logger      arbor.ILogger
}

func NewUploadHandler(coordinator *pipeline.Coordinator) *UploadHandler {
	return &UploadHandler{
		coordinator: coordinator,
		validate:    validator.New(),
		logger:      common.GetLogger(),
	}
}

// UploadHandler handles POST /api/upload.
//
// Form fields:
//   - userId: owner of the batch
//   - settings: JSON-encoded batch settings
//   - metaJson: JSON array of per-image metadata, aligned with file order
//   - images: one or more image files
func (h *UploadHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	fields := uploadFields{UserID: r.FormValue("userId")}

	if raw := r.FormValue("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.Settings); err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
			return
		}
		mode, err := models.ParseDeclutterMode(string(fields.Settings.DeclutterMode))
		if err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
			return
		}
		fields.Settings.DeclutterMode = mode
	}
	if raw := r.FormValue("metaJson"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.Meta); err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid metaJson: %v", err))
			return
		}
	}

	if err := h.validate.Struct(&fields); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one image is required")
		return
	}
	if len(fields.Meta) > 0 && len(fields.Meta) != len(files) {
		WriteError(w, http.StatusBadRequest, "metaJson length must match the number of images")
		return
	}

	images := make([]pipeline.UploadImage, 0, len(files))
	for i, header := range files {
		file, err := header.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload %q: %v", header.Filename, err))
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload %q: %v", header.Filename, err))
			return
		}
		if len(data) == 0 {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("upload %q is empty", header.Filename))
			return
		}

		meta := models.ImageMeta{SceneType: models.SceneInterior}
		if i < len(fields.Meta) {
			meta = fields.Meta[i]
			if meta.SceneType == "" {
				meta.SceneType = models.SceneInterior
			}
		}

		images = append(images, pipeline.UploadImage{
			Filename: header.Filename,
			Data:     data,
			Meta:     meta,
		})
	}

	batch, err := h.coordinator.CreateBatch(r.Context(), fields.UserID, fields.Settings, images)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrInsufficientCredits):
			WriteErrorCode(w, http.StatusPaymentRequired, models.ErrCodeQuotaExceeded, "not enough credits for this batch")
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "user not found")
		default:
			h.logger.Error().Err(err).Msg("Batch creation failed")
			WriteError(w, http.StatusInternalServerError, "failed to create batch")
		}
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"batchId": batch.ID,
		"jobIds":  batch.JobIDs,
		"credits": batch.CreditHold,
	})
}
