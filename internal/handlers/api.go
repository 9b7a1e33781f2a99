package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
)

type APIHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewAPIHandler(storage interfaces.StorageManager) *APIHandler {
	return &APIHandler{
		storage: storage,
		logger:  common.GetLogger(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status including the active storage
// backend. A "file" backend is healthy but degraded.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": h.storage.Backend(),
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
