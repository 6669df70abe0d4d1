package services

import (
	"context"

	"relay/internal/domain/models"
)

// UserPreferencesService defines the business logic for user preferences operations
type UserPreferencesService interface {
	// GetPreferences retrieves preferences for a user.
	// Returns default preferences if none exist yet.
	GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)

	// UpdatePreferences applies a partial update (RFC 7396 semantics for
	// default_model). Creates the row if it doesn't exist yet.
	UpdatePreferences(ctx context.Context, userID string, req *models.UpdatePreferencesRequest) (*models.UserPreferences, error)
}
