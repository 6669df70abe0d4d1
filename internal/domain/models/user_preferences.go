package models

import (
	"time"
)

// UserPreferences holds the per-user settings the orchestrator consults.
// AutoCreateProposal gates step 3 of the post-completion pipeline: when a
// turn produced a commit, a change proposal is opened only if this is set.
type UserPreferences struct {
	UserID             string    `json:"user_id" db:"user_id"`
	AutoCreateProposal bool      `json:"auto_create_proposal" db:"auto_create_proposal"`
	DefaultModel       *string   `json:"default_model,omitempty" db:"default_model"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// OptionalDefaultModel tracks tri-state semantics for default_model updates
// (RFC 7396 PATCH). Transport-agnostic; the handler maps it from
// httputil.OptionalString.
//   - Present=false: leave the stored value alone
//   - Present=true, Value=nil: clear the default model
//   - Present=true, Value=&m: set the default model to m
type OptionalDefaultModel struct {
	Present bool
	Value   *string
}

// UpdatePreferencesRequest carries a partial preferences update. Nil or
// absent fields are left unchanged.
type UpdatePreferencesRequest struct {
	AutoCreateProposal *bool
	DefaultModel       OptionalDefaultModel
}
