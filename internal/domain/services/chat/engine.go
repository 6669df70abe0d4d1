package chat

import (
	"context"

	"relay/internal/domain/models/chat"
)

// Completion event kinds, in the vocabulary the streaming reducer consumes.
const (
	EventContent            = "content"
	EventReasoning          = "reasoning"
	EventReasoningSignature = "reasoning_signature"
	EventRedactedReasoning  = "redacted_reasoning"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventUsage              = "usage"
	EventError              = "error"
)

// CompletionEvent is one element of the lazily-produced event sequence a
// completion turn yields. Exactly the fields for the given Kind are set.
type CompletionEvent struct {
	Kind string

	// content / reasoning
	TextDelta string

	// reasoning_signature
	Signature string

	// redacted_reasoning (opaque payload)
	Data string

	// tool_call / tool_result
	ToolCallID string
	ToolName   string
	Input      map[string]interface{}
	Result     string
	IsError    bool

	// usage
	Usage        *chat.Usage
	FinishReason string

	// error
	Err error
}

// CompletionRequest describes one turn against the completion engine.
type CompletionRequest struct {
	System       string
	Messages     []chat.Message // ordered history, oldest first
	Model        string
	ToolsEnabled bool
	TaskID       string
	Workspace    string
}

// CompletionEngine turns a prompt plus message history into a cancelable
// sequence of typed events. Implementations must observe ctx and close the
// channel promptly on cancellation.
type CompletionEngine interface {
	// StreamCompletion starts the turn. The returned channel is closed when
	// the engine is done emitting (normal end, error, or cancellation).
	StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan CompletionEvent, error)

	// GenerateCommitMessage derives a one-line commit message from a diff.
	// Used by the post-completion pipeline; failures fall back to a static
	// message and never fail the turn.
	GenerateCommitMessage(ctx context.Context, model, diff string) (string, error)
}
