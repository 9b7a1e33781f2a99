package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
)

// ArtifactHandler serves stored artifacts (originals and stage outputs)
// under the configured base URL.
type ArtifactHandler struct {
	store   *artifacts.FileStore
	baseURL string
	logger  arbor.ILogger
}

func NewArtifactHandler(store *artifacts.FileStore, cfg *common.ArtifactsConfig) *ArtifactHandler {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "/artifacts"
	}
	return &ArtifactHandler{
		store:   store,
		baseURL: baseURL,
		logger:  common.GetLogger(),
	}
}

// Prefix returns the route prefix this handler serves.
func (h *ArtifactHandler) Prefix() string {
	return h.baseURL + "/"
}

// ServeHTTP handles GET {baseURL}/{key}.
func (h *ArtifactHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	key := strings.TrimPrefix(r.URL.Path, h.Prefix())
	if key == "" {
		WriteError(w, http.StatusBadRequest, "artifact key is required")
		return
	}

	data, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "artifact not found")
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("Artifact read failed")
		WriteError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}

	contentType := "image/jpeg"
	if strings.HasSuffix(key, ".png") {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Write(data)
}
