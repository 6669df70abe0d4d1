package chat

import (
	"context"

	"relay/internal/domain/models/chat"
)

// TaskRepository persists tasks and their status transitions.
type TaskRepository interface {
	// CreateTask inserts a task; the assigned ID is written back.
	CreateTask(ctx context.Context, task *chat.Task) error
	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID string) (*chat.Task, error)
	// ListTasksByUser returns the user's tasks, newest first.
	ListTasksByUser(ctx context.Context, userID string) ([]chat.Task, error)
	// UpdateTaskStatus sets the task's status.
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
	// DeleteTask removes a task and (via cascade) its messages and checkpoints.
	DeleteTask(ctx context.Context, taskID string) error
}

// CheckpointRepository persists restorable workspace snapshots, each tied to
// the assistant message whose turn produced it.
type CheckpointRepository interface {
	// CreateCheckpoint inserts a checkpoint; the assigned ID is written back.
	CreateCheckpoint(ctx context.Context, cp *chat.Checkpoint) error
	// GetCheckpointByMessage returns the checkpoint for a message, if any.
	GetCheckpointByMessage(ctx context.Context, messageID string) (*chat.Checkpoint, error)
	// GetLatestCheckpointBefore returns the most recent checkpoint among
	// messages of the task with sequence strictly below the given one.
	GetLatestCheckpointBefore(ctx context.Context, taskID string, sequence int) (*chat.Checkpoint, error)
}
