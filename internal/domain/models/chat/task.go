package chat

import (
	"time"
)

// Task status constants
const (
	TaskStatusIdle      = "idle"
	TaskStatusStreaming = "streaming"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusStopped   = "stopped"
)

// Task represents one conversational unit of work. A task owns an ordered
// message log and, while a turn is live, exactly one streaming session.
// Stacked tasks reference the task they were derived from via ParentTaskID.
type Task struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	Title        string     `json:"title" db:"title"`
	ParentTaskID *string    `json:"parent_task_id,omitempty" db:"parent_task_id"`
	Branch       *string    `json:"branch,omitempty" db:"branch"`
	Workspace    *string    `json:"workspace,omitempty" db:"workspace"`
	Status       string     `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}
