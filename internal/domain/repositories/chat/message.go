package chat

import (
	"context"
	"time"

	"relay/internal/domain/models/chat"
)

// MessageUpdate carries the fields a streaming turn rewrites on its
// assistant row. Parts is a snapshot of the full ordered part list; the
// update replaces the stored snapshot wholesale.
type MessageUpdate struct {
	ID           string
	Content      string
	Parts        chat.Parts
	Model        *string
	InputTokens  *int
	OutputTokens *int
	FinishReason *string
	Streaming    bool
	EditedAt     *time.Time
}

// MessageReader exposes read operations on the conversation log.
type MessageReader interface {
	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)
	// ListMessages returns the task's log ordered by sequence, then created_at.
	ListMessages(ctx context.Context, taskID string) ([]chat.Message, error)
}

// MessageWriter exposes write operations on the conversation log.
type MessageWriter interface {
	// NextSequence atomically allocates the next sequence number for a task.
	// Safe under concurrent callers: two allocations never return the same value.
	NextSequence(ctx context.Context, taskID string) (int, error)
	// CreateMessage inserts a message, allocating its sequence in the same
	// transaction (the fused allocate-and-insert). The assigned sequence and
	// ID are written back onto the message.
	CreateMessage(ctx context.Context, msg *chat.Message) error
	// UpdateMessage rewrites the mutable fields of a message by ID.
	UpdateMessage(ctx context.Context, update *MessageUpdate) error
	// DeleteMessagesAfter removes every message of the task with sequence
	// strictly greater than the given value. Returns the number deleted.
	DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) (int64, error)
}

// MessageRepository is the full message store contract.
type MessageRepository interface {
	MessageReader
	MessageWriter
}
