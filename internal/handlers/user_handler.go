package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// UserHandler manages user records and credit grants.
type UserHandler struct {
	storage  interfaces.StorageManager
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewUserHandler(storage interfaces.StorageManager) *UserHandler {
	return &UserHandler{
		storage:  storage,
		validate: validator.New(),
		logger:   common.GetLogger(),
	}
}

type createUserRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Name    string `json:"name"`
	Credits int    `json:"credits" validate:"gte=0"`
}

// CreateHandler handles POST /api/users. Email is unique; a duplicate
// returns the existing record.
func (h *UserHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if existing, err := h.storage.Users().GetUserByEmail(r.Context(), req.Email); err == nil {
		WriteJSON(w, http.StatusOK, existing)
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:        common.NewUserID(),
		Email:     strings.ToLower(req.Email),
		Name:      req.Name,
		Credits:   req.Credits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.storage.Users().SaveUser(r.Context(), user); err != nil {
		h.logger.Error().Err(err).Msg("User creation failed")
		WriteError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	WriteJSON(w, http.StatusCreated, user)
}

// GetHandler handles GET /api/users/{id}.
func (h *UserHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if userID == "" || strings.Contains(userID, "/") {
		WriteError(w, http.StatusBadRequest, "user id is required")
		return
	}

	user, err := h.storage.Users().GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "user not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to read user")
		return
	}

	WriteJSON(w, http.StatusOK, user)
}

type creditGrantRequest struct {
	Delta int `json:"delta" validate:"required"`
}

// CreditsHandler handles POST /api/users/{id}/credits.
func (h *UserHandler) CreditsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	userID := pathSegment(r.URL.Path, "/api/users/", "/credits")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user id is required")
		return
	}

	var req creditGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.storage.Users().AdjustCredits(r.Context(), userID, req.Delta)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, interfaces.ErrInsufficientCredits):
			WriteErrorCode(w, http.StatusPaymentRequired, models.ErrCodeQuotaExceeded, "balance cannot go negative")
		default:
			WriteError(w, http.StatusInternalServerError, "failed to adjust credits")
		}
		return
	}

	WriteJSON(w, http.StatusOK, user)
}
