package chat

import (
	"context"

	"relay/internal/domain/models/chat"
)

// SubmitMessageRequest is an inbound user message for a task. Immediate
// controls the interruption policy when a stream is already live: false
// queues (one slot, last-write-wins), true stops the live turn first.
type SubmitMessageRequest struct {
	TaskID    string  `json:"task_id"`
	UserID    string  `json:"user_id"`
	Content   string  `json:"content"`
	Model     *string `json:"model,omitempty"`
	Workspace *string `json:"workspace,omitempty"`
	Immediate bool    `json:"immediate"`
}

// SubmitMessageResponse reports what happened to the submission.
type SubmitMessageResponse struct {
	Queued           bool          `json:"queued"`
	UserMessage      *chat.Message `json:"user_message,omitempty"`
	AssistantMessage *chat.Message `json:"assistant_message,omitempty"`
	StreamURL        string        `json:"stream_url,omitempty"`
}

// EditMessageRequest rewrites a prior user message and replays the
// conversation from that point.
type EditMessageRequest struct {
	MessageID string  `json:"message_id"`
	UserID    string  `json:"user_id"`
	Content   string  `json:"content"`
	Model     *string `json:"model,omitempty"`
}

// CreateStackedTaskRequest derives a new task from an existing one.
type CreateStackedTaskRequest struct {
	ParentTaskID string  `json:"parent_task_id"`
	UserID       string  `json:"user_id"`
	Content      string  `json:"content"`
	Model        *string `json:"model,omitempty"`
}

// Orchestrator drives task conversations: persistence, streaming,
// interruption, queuing, edit-and-replay, and post-completion automation.
type Orchestrator interface {
	// SubmitMessage starts a new turn, or queues/interrupts per Immediate
	// when a stream is already live for the task.
	SubmitMessage(ctx context.Context, req *SubmitMessageRequest) (*SubmitMessageResponse, error)

	// Stop requests the live turn to stop. No-op when nothing is streaming.
	Stop(ctx context.Context, taskID string) error

	// EditMessage interrupts any live stream, rewrites the target message,
	// restores the associated checkpoint, deletes later messages, and
	// replays from that point as a fresh immediate turn.
	EditMessage(ctx context.Context, req *EditMessageRequest) (*SubmitMessageResponse, error)

	// CreateStackedTask creates a task derived from another task's branch
	// and submits its first message.
	CreateStackedTask(ctx context.Context, req *CreateStackedTaskRequest) (*chat.Task, error)

	// QueuedAction returns the summary of the queued slot, if occupied.
	QueuedAction(taskID string) (*chat.Summary, bool)

	// Cleanup releases all session resources for a task. Idempotent.
	Cleanup(ctx context.Context, taskID string) error
}
