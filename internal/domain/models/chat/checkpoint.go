package chat

import (
	"time"
)

// Checkpoint is a restorable snapshot of a task's workspace, recorded as the
// commit the automation pipeline produced after an assistant turn. Edit-and-
// replay restores the workspace to the checkpoint of the edited message.
type Checkpoint struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	CommitSHA string    `json:"commit_sha" db:"commit_sha"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
