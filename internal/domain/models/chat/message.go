package chat

import (
	"time"
)

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Finish reason constants. Mirrors the completion engine's stop reasons plus
// Relay's own terminal classifications.
const (
	FinishReasonEndTurn   = "end_turn"
	FinishReasonMaxTokens = "max_tokens"
	FinishReasonToolUse   = "tool_use"
	FinishReasonStopped   = "stopped"
	FinishReasonError     = "error"
)

// Message is one persisted entry in a task's conversation log. Sequence is
// strictly increasing and unique per task; allocation happens inside the
// same transaction as the insert so concurrent writers can never collide.
// Content holds the flat text; Parts holds the full ordered part snapshot
// for assistant messages.
type Message struct {
	ID           string     `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	Sequence     int        `json:"sequence" db:"sequence"`
	Role         string     `json:"role" db:"role"`
	Content      string     `json:"content" db:"content"`
	Model        *string    `json:"model,omitempty" db:"model"`
	Parts        Parts      `json:"parts,omitempty" db:"parts"`
	InputTokens  *int       `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens *int       `json:"output_tokens,omitempty" db:"output_tokens"`
	FinishReason *string    `json:"finish_reason,omitempty" db:"finish_reason"`
	Streaming    bool       `json:"streaming" db:"streaming"`
	EditedAt     *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Usage carries the running token counters observed during a stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
