package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Uploads and batch lifecycle
	mux.HandleFunc("/api/upload", s.app.UploadHandler.UploadHandler) // POST - create batch
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes)             // GET /{id}, POST /{id}/cancel

	// Job status and retries
	mux.HandleFunc("/api/status/batch", s.app.StatusHandler.BatchStatusHandler) // GET ?ids=a,b,c
	mux.HandleFunc("/api/status/", s.app.StatusHandler.JobStatusHandler)        // GET /{jobId}
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)                             // POST /{id}/retry

	// Users and credits
	mux.HandleFunc("/api/users", s.app.UserHandler.CreateHandler) // POST - create user
	mux.HandleFunc("/api/users/", s.handleUserRoutes)             // GET /{id}, POST /{id}/credits

	// Artifact serving (originals and stage outputs)
	mux.Handle(s.app.ArtifactHandler.Prefix(), s.app.ArtifactHandler)

	// System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	return mux
}

// handleJobRoutes dispatches /api/jobs/{id}/retry.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/retry") {
		s.app.JobHandler.RetryHandler(w, r)
		return
	}
	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleBatchRoutes dispatches /api/batches/{id} and /api/batches/{id}/cancel.
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/cancel") {
		s.app.JobHandler.CancelBatchHandler(w, r)
		return
	}
	s.app.JobHandler.BatchJobsHandler(w, r)
}

// handleUserRoutes dispatches /api/users/{id} and /api/users/{id}/credits.
func (s *Server) handleUserRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/credits") {
		s.app.UserHandler.CreditsHandler(w, r)
		return
	}
	s.app.UserHandler.GetHandler(w, r)
}
