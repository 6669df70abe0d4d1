package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relay/internal/domain/models/chat"
	chatrepo "relay/internal/domain/repositories/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/realtime"
)

// turnReducer folds the completion event sequence into an ordered parts list
// and persistence operations on the assistant message row.
//
// Write policy: the first content or reasoning event synchronously creates
// the row (marked streaming); every later event schedules a debounced update
// carrying a deep copy of the parts, never a direct write per event. The
// pending slot is force-flushed on error and at end of stream.
//
// Parts are appended strictly in event-arrival order, so any persisted
// snapshot is a prefix of the final parts sequence.
type turnReducer struct {
	task        *chat.Task
	model       string
	messages    chatrepo.MessageRepository
	pending     *pendingWrite
	broadcaster *realtime.Broadcaster
	logger      *slog.Logger

	msg   *chat.Message
	parts chat.Parts

	// Pending reasoning block. Text concatenates until a signature event or
	// end of stream finalizes it into parts; the counter advances per block.
	reasoningBuf     strings.Builder
	reasoningActive  bool
	reasoningCounter int

	usage        *chat.Usage
	finishReason string
}

func newTurnReducer(
	task *chat.Task,
	model string,
	messages chatrepo.MessageRepository,
	pending *pendingWrite,
	broadcaster *realtime.Broadcaster,
	logger *slog.Logger,
) *turnReducer {
	return &turnReducer{
		task:        task,
		model:       model,
		messages:    messages,
		pending:     pending,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// messageID returns the assistant row's ID, or "" before the row exists.
func (r *turnReducer) messageID() string {
	if r.msg == nil {
		return ""
	}
	return r.msg.ID
}

// handle folds one non-error event. Persistence failures on batched paths
// are logged, not returned; only row creation failure aborts the turn.
func (r *turnReducer) handle(ctx context.Context, ev chatsvc.CompletionEvent) error {
	switch ev.Kind {
	case chatsvc.EventContent:
		return r.onContent(ctx, ev.TextDelta)
	case chatsvc.EventReasoning:
		return r.onReasoning(ctx, ev.TextDelta)
	case chatsvc.EventReasoningSignature:
		r.onReasoningSignature(ev.Signature)
	case chatsvc.EventRedactedReasoning:
		r.onRedactedReasoning(ev.Data)
	case chatsvc.EventToolCall:
		r.onToolCall(ev)
	case chatsvc.EventToolResult:
		r.onToolResult(ev)
	case chatsvc.EventUsage:
		r.onUsage(ev)
	default:
		r.logger.Warn("unknown completion event kind", "kind", ev.Kind, "task_id", r.task.ID)
	}
	return nil
}

// ensureRow creates the assistant message row on the first content or
// reasoning event. The create is synchronous: the row must exist before any
// batched update can reference it.
func (r *turnReducer) ensureRow(ctx context.Context) error {
	if r.msg != nil {
		return nil
	}

	msg := &chat.Message{
		TaskID:    r.task.ID,
		Role:      chat.RoleAssistant,
		Model:     &r.model,
		Parts:     r.parts.Clone(),
		Content:   r.parts.JoinText(),
		Streaming: true,
	}
	if err := r.messages.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("create assistant message: %w", err)
	}
	r.msg = msg

	if event, err := chat.NewStreamStartedEvent(msg.ID, r.task.ID, r.model); err == nil {
		r.broadcaster.Broadcast(event)
	}
	return nil
}

func (r *turnReducer) onContent(ctx context.Context, delta string) error {
	first := r.msg == nil
	r.parts = append(r.parts, chat.Part{Type: chat.PartTypeText, Text: delta})

	if first {
		if err := r.ensureRow(ctx); err != nil {
			return err
		}
	} else {
		r.scheduleUpdate()
	}

	r.broadcastChunk(&chat.ChunkEvent{
		MessageID: r.messageID(),
		PartIndex: len(r.parts) - 1,
		PartType:  chat.PartTypeText,
		TextDelta: &delta,
	})
	return nil
}

func (r *turnReducer) onReasoning(ctx context.Context, delta string) error {
	first := r.msg == nil
	r.reasoningBuf.WriteString(delta)
	r.reasoningActive = true

	if first {
		if err := r.ensureRow(ctx); err != nil {
			return err
		}
	} else {
		r.scheduleUpdate()
	}

	// The pending block lands at the next parts index once finalized.
	r.broadcastChunk(&chat.ChunkEvent{
		MessageID: r.messageID(),
		PartIndex: len(r.parts),
		PartType:  chat.PartTypeReasoning,
		TextDelta: &delta,
	})
	return nil
}

// onReasoningSignature finalizes the pending reasoning block. A signature
// with no active block is a no-op.
func (r *turnReducer) onReasoningSignature(signature string) {
	if !r.reasoningActive {
		return
	}
	r.finalizeReasoning(&signature)
	r.scheduleUpdate()
	r.broadcastPart(len(r.parts) - 1)
}

// finalizeReasoning moves the pending reasoning block into the parts list
// and advances the block counter so a later reasoning event starts fresh.
func (r *turnReducer) finalizeReasoning(signature *string) {
	r.parts = append(r.parts, chat.Part{
		Type:      chat.PartTypeReasoning,
		Text:      r.reasoningBuf.String(),
		Signature: signature,
	})
	r.reasoningBuf.Reset()
	r.reasoningActive = false
	r.reasoningCounter++
}

func (r *turnReducer) onRedactedReasoning(data string) {
	r.parts = append(r.parts, chat.Part{
		Type: chat.PartTypeRedactedReasoning,
		Data: &data,
	})
	r.scheduleUpdate()
	r.broadcastPart(len(r.parts) - 1)
}

func (r *turnReducer) onToolCall(ev chatsvc.CompletionEvent) {
	r.parts = append(r.parts, chat.Part{
		Type:       chat.PartTypeToolCall,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		Input:      ev.Input,
	})
	r.scheduleUpdate()
	r.broadcastPart(len(r.parts) - 1)
}

// onToolResult resolves the tool name from the matching tool_call part; an
// unmatched identifier yields an empty name, not an error.
func (r *turnReducer) onToolResult(ev chatsvc.CompletionEvent) {
	result := ev.Result
	r.parts = append(r.parts, chat.Part{
		Type:       chat.PartTypeToolResult,
		ToolCallID: ev.ToolCallID,
		ToolName:   r.parts.ResolveToolName(ev.ToolCallID),
		Result:     &result,
		IsError:    ev.IsError,
	})
	r.scheduleUpdate()
	r.broadcastPart(len(r.parts) - 1)
}

// onUsage updates the running usage snapshot. No part is created.
func (r *turnReducer) onUsage(ev chatsvc.CompletionEvent) {
	if ev.Usage != nil {
		r.usage = ev.Usage
	}
	if ev.FinishReason != "" {
		r.finishReason = ev.FinishReason
	}
}

// fail handles an error event: rewrite the error to user-facing copy, append
// an error part, discard the pending slot, and perform one immediate
// terminal write. Returns the user-facing error for upstream visibility.
func (r *turnReducer) fail(ctx context.Context, cause error) error {
	userMessage := rewriteEngineError(cause)

	if r.reasoningActive {
		r.finalizeReasoning(nil)
	}
	reason := chat.FinishReasonError
	r.parts = append(r.parts, chat.Part{
		Type:         chat.PartTypeError,
		Text:         userMessage,
		FinishReason: &reason,
	})

	// One immediate final write: the terminal snapshot carries everything
	// the pending slot held, so the slot is dropped rather than flushed.
	r.pending.Stop()

	if r.msg == nil {
		if err := r.ensureRow(ctx); err != nil {
			r.logger.Error("create row for failed turn", "task_id", r.task.ID, "error", err)
			return fmt.Errorf("%s: %w", userMessage, cause)
		}
	}
	if err := r.messages.UpdateMessage(ctx, r.terminalUpdate(reason)); err != nil {
		r.logger.Error("terminal write for failed turn",
			"task_id", r.task.ID,
			"message_id", r.messageID(),
			"error", err,
		)
	}

	if event, err := chat.NewStreamErroredEvent(r.messageID(), r.task.ID, userMessage); err == nil {
		r.broadcaster.Broadcast(event)
	}

	return fmt.Errorf("%s: %w", userMessage, cause)
}

// finalize handles non-error end of stream: flush the pending reasoning
// block and the pending write, then persist the terminal snapshot. Returns
// the terminal finish reason.
func (r *turnReducer) finalize(ctx context.Context, stopped bool) (string, error) {
	if r.reasoningActive {
		r.finalizeReasoning(nil)
	}

	// Nothing was ever emitted: no row exists and there is nothing to write.
	if r.msg == nil {
		r.pending.Stop()
		return r.terminalReason(stopped), nil
	}

	reason := r.terminalReason(stopped)

	if r.usage != nil {
		// Usage observed: one final synchronous write with the full text,
		// all parts, usage, and terminal reason subsumes the pending slot.
		r.pending.Stop()
		if err := r.messages.UpdateMessage(ctx, r.terminalUpdate(reason)); err != nil {
			return reason, fmt.Errorf("final message write: %w", err)
		}
		return reason, nil
	}

	// No usage (e.g. stopped mid-stream): flush whatever was pending, then
	// clear the streaming flag so the row is not left live forever.
	if err := r.pending.Flush(ctx); err != nil {
		r.logger.Error("flush pending update", "message_id", r.messageID(), "error", err)
	}
	if err := r.messages.UpdateMessage(ctx, r.terminalUpdate(reason)); err != nil {
		return reason, fmt.Errorf("final message write: %w", err)
	}
	return reason, nil
}

// terminalReason picks the finish reason for a non-error terminal state.
func (r *turnReducer) terminalReason(stopped bool) string {
	if stopped {
		return chat.FinishReasonStopped
	}
	if r.finishReason != "" {
		return r.finishReason
	}
	return chat.FinishReasonEndTurn
}

// terminalUpdate builds the full terminal snapshot for the assistant row.
func (r *turnReducer) terminalUpdate(reason string) *chatrepo.MessageUpdate {
	update := &chatrepo.MessageUpdate{
		ID:           r.msg.ID,
		Content:      r.parts.JoinText(),
		Parts:        r.parts.Clone(),
		Model:        &r.model,
		FinishReason: &reason,
		Streaming:    false,
	}
	if r.usage != nil {
		in, out := r.usage.InputTokens, r.usage.OutputTokens
		update.InputTokens = &in
		update.OutputTokens = &out
	}
	return update
}

// scheduleUpdate snapshots the accumulated state into the debounced slot.
func (r *turnReducer) scheduleUpdate() {
	if r.msg == nil {
		return
	}
	update := &chatrepo.MessageUpdate{
		ID:        r.msg.ID,
		Content:   r.parts.JoinText(),
		Parts:     r.parts.Clone(),
		Model:     &r.model,
		Streaming: true,
	}
	if r.usage != nil {
		in, out := r.usage.InputTokens, r.usage.OutputTokens
		update.InputTokens = &in
		update.OutputTokens = &out
	}
	if r.finishReason != "" {
		reason := r.finishReason
		update.FinishReason = &reason
	}
	r.pending.Schedule(update)
}

func (r *turnReducer) broadcastChunk(chunk *chat.ChunkEvent) {
	if event, err := chat.NewChunkEvent(chunk); err == nil {
		r.broadcaster.Broadcast(event)
	}
}

// broadcastPart sends the full part at index as a chunk (used for parts that
// arrive whole rather than as text deltas).
func (r *turnReducer) broadcastPart(index int) {
	part := r.parts[index]
	r.broadcastChunk(&chat.ChunkEvent{
		MessageID: r.messageID(),
		PartIndex: index,
		PartType:  part.Type,
		Part:      &part,
	})
}

// rewriteEngineError converts rate-limit and retry-exhaustion errors into
// user-facing copy; anything else passes through as its message.
func rewriteEngineError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "429"):
		return "The model provider is rate limiting requests. Please wait a moment and try again."
	case strings.Contains(lower, "retries exhausted") || strings.Contains(lower, "max retries"):
		return "The model provider is not responding after several attempts. Please try again shortly."
	default:
		return msg
	}
}
