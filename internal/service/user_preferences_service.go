package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/capabilities"
	"relay/internal/domain"
	"relay/internal/domain/models"
	"relay/internal/domain/repositories"
	"relay/internal/domain/services"
)

// UserPreferencesService implements the UserPreferencesService interface
type UserPreferencesService struct {
	prefsRepo repositories.UserPreferencesRepository
	registry  *capabilities.Registry
	logger    *slog.Logger
}

// NewUserPreferencesService creates a new user preferences service
func NewUserPreferencesService(
	prefsRepo repositories.UserPreferencesRepository,
	registry *capabilities.Registry,
	logger *slog.Logger,
) services.UserPreferencesService {
	return &UserPreferencesService{
		prefsRepo: prefsRepo,
		registry:  registry,
		logger:    logger,
	}
}

// getDefaultPreferences returns the defaults for a user with no stored row:
// no default model override, proposals off.
func (s *UserPreferencesService) getDefaultPreferences(userID string) *models.UserPreferences {
	now := time.Now()
	return &models.UserPreferences{
		UserID:             userID,
		AutoCreateProposal: false,
		DefaultModel:       nil,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// GetPreferences retrieves preferences for a user
func (s *UserPreferencesService) GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	prefs, err := s.prefsRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	// If no preferences exist yet, return defaults
	if prefs == nil {
		s.logger.Debug("no preferences found, returning defaults", "user_id", userID)
		prefs = s.getDefaultPreferences(userID)
	}

	return prefs, nil
}

// UpdatePreferences applies a partial update and persists the result
func (s *UserPreferencesService) UpdatePreferences(ctx context.Context, userID string, req *models.UpdatePreferencesRequest) (*models.UserPreferences, error) {
	existing, err := s.prefsRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get existing preferences: %w", err)
	}
	if existing == nil {
		existing = s.getDefaultPreferences(userID)
	}

	if req.AutoCreateProposal != nil {
		existing.AutoCreateProposal = *req.AutoCreateProposal
	}

	// Tri-state: only touch default_model if the field was present
	if req.DefaultModel.Present {
		if req.DefaultModel.Value != nil && !s.registry.IsSupported(*req.DefaultModel.Value) {
			return nil, &domain.ValidationError{
				Message: fmt.Sprintf("unknown model: %s", *req.DefaultModel.Value),
			}
		}
		existing.DefaultModel = req.DefaultModel.Value
	}

	existing.UpdatedAt = time.Now()

	if err := s.prefsRepo.Upsert(ctx, existing); err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}

	s.logger.Info("user preferences updated",
		"user_id", userID,
		"has_auto_create_proposal", req.AutoCreateProposal != nil,
		"has_default_model", req.DefaultModel.Present,
	)

	return existing, nil
}
