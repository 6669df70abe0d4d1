package handler

import (
	"log/slog"
	"net/http"

	"relay/internal/domain/models"
	"relay/internal/domain/services"
	"relay/internal/httputil"
)

// UserPreferencesHandler handles user preferences HTTP requests
type UserPreferencesHandler struct {
	service services.UserPreferencesService
	logger  *slog.Logger
}

// NewUserPreferencesHandler creates a new user preferences handler
func NewUserPreferencesHandler(service services.UserPreferencesService, logger *slog.Logger) *UserPreferencesHandler {
	return &UserPreferencesHandler{
		service: service,
		logger:  logger,
	}
}

// UpdatePreferencesBody is the PATCH body. DefaultModel is tri-state
// (RFC 7396): absent leaves the value alone, null clears it, a string sets it.
type UpdatePreferencesBody struct {
	AutoCreateProposal *bool                   `json:"auto_create_proposal,omitempty"`
	DefaultModel       httputil.OptionalString `json:"default_model"`
}

// GetPreferences retrieves user preferences
// GET /api/users/me/preferences
func (h *UserPreferencesHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	prefs, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences applies a partial preferences update
// PATCH /api/users/me/preferences
func (h *UserPreferencesHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var body UpdatePreferencesBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Map the transport DTO to the domain's tri-state request
	req := &models.UpdatePreferencesRequest{
		AutoCreateProposal: body.AutoCreateProposal,
		DefaultModel: models.OptionalDefaultModel{
			Present: body.DefaultModel.Present,
			Value:   body.DefaultModel.Value,
		},
	}

	prefs, err := h.service.UpdatePreferences(r.Context(), userID, req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, prefs)
}
