package chat

import (
	"encoding/json"
	"fmt"
)

// SSE event type constants
const (
	SSEEventStreamStarted    = "stream_started"    // Turn streaming has begun
	SSEEventChunk            = "chunk"             // Incremental part content
	SSEEventPartCatchup      = "part_catchup"      // Replaying a persisted part (reconnection)
	SSEEventStreamEnded      = "stream_ended"      // Turn finished (completed or stopped)
	SSEEventStreamErrored    = "stream_errored"    // Turn encountered an error
	SSEEventQueuedProcessing = "queued_processing" // A queued action is now processing
)

// StreamStartedEvent signals that streaming has begun for an assistant message.
type StreamStartedEvent struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Model     string `json:"model"`
}

// ChunkEvent carries one incremental fragment of the live turn.
type ChunkEvent struct {
	MessageID string  `json:"message_id"`
	PartIndex int     `json:"part_index"`
	PartType  string  `json:"part_type"`
	TextDelta *string `json:"text_delta,omitempty"`
	Part      *Part   `json:"part,omitempty"` // full part for non-text fragments
}

// PartCatchupEvent replays a completed part (for reconnection).
type PartCatchupEvent struct {
	MessageID string `json:"message_id"`
	PartIndex int    `json:"part_index"`
	Part      Part   `json:"part"`
}

// StreamEndedEvent signals a terminal state for the turn.
type StreamEndedEvent struct {
	MessageID    string `json:"message_id"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"` // completed or stopped
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// StreamErroredEvent signals the turn failed.
type StreamErroredEvent struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Error     string `json:"error"`
}

// QueuedProcessingEvent is the out-of-band notice that the queued action for
// a task has been dequeued and is starting.
type QueuedProcessingEvent struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
}

// FormatSSE formats an SSE event for transmission
// Returns a string in SSE format:
//   event: event_name
//   data: {"field": "value"}
//   \n
func FormatSSE(eventType string, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SSE event data: %w", err)
	}

	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)), nil
}

// Helper constructors for common events

// NewStreamStartedEvent creates a stream_started SSE event
func NewStreamStartedEvent(messageID, taskID, model string) (string, error) {
	return FormatSSE(SSEEventStreamStarted, StreamStartedEvent{
		MessageID: messageID,
		TaskID:    taskID,
		Model:     model,
	})
}

// NewChunkEvent creates a chunk SSE event
func NewChunkEvent(chunk *ChunkEvent) (string, error) {
	return FormatSSE(SSEEventChunk, chunk)
}

// NewPartCatchupEvent creates a part_catchup SSE event
func NewPartCatchupEvent(messageID string, partIndex int, part Part) (string, error) {
	return FormatSSE(SSEEventPartCatchup, PartCatchupEvent{
		MessageID: messageID,
		PartIndex: partIndex,
		Part:      part,
	})
}

// NewStreamEndedEvent creates a stream_ended SSE event
func NewStreamEndedEvent(messageID, taskID, status, finishReason string, inputTokens, outputTokens int) (string, error) {
	return FormatSSE(SSEEventStreamEnded, StreamEndedEvent{
		MessageID:    messageID,
		TaskID:       taskID,
		Status:       status,
		FinishReason: finishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// NewStreamErroredEvent creates a stream_errored SSE event
func NewStreamErroredEvent(messageID, taskID, errorMsg string) (string, error) {
	return FormatSSE(SSEEventStreamErrored, StreamErroredEvent{
		MessageID: messageID,
		TaskID:    taskID,
		Error:     errorMsg,
	})
}

// NewQueuedProcessingEvent creates a queued_processing SSE event
func NewQueuedProcessingEvent(taskID, kind string) (string, error) {
	return FormatSSE(SSEEventQueuedProcessing, QueuedProcessingEvent{
		TaskID: taskID,
		Kind:   kind,
	})
}
