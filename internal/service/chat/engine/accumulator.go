package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	llmprovider "github.com/haowjy/meridian-llm-go"

	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/service/chat/tools"
)

// partAccumulator folds provider stream deltas into completion events.
//
// Flow:
//  1. Receive delta events from the provider stream
//  2. Text and reasoning deltas are forwarded as events immediately
//  3. Tool input JSON and signatures accumulate until the block index
//     changes, then flush as a single event
//  4. Flushed blocks are also kept verbatim so the engine can echo the
//     assistant turn back to the provider on the next tool round
//
// Thread-safety: NOT thread-safe. Owned by a single engine goroutine.
type partAccumulator struct {
	emit func(chatsvc.CompletionEvent) bool

	// Current block being accumulated
	currentIndex int
	currentType  string
	text         strings.Builder
	inputJSON    strings.Builder
	signature    strings.Builder
	toolCallID   *string
	toolName     *string

	// Completed blocks of this round, for the next-round echo message
	blocks []*llmprovider.Block

	// Tool calls flushed during this round
	toolCalls []tools.ToolCall
}

// newPartAccumulator creates an accumulator that forwards events through emit.
// emit returns false when the consumer is gone; processing stops then.
func newPartAccumulator(emit func(chatsvc.CompletionEvent) bool) *partAccumulator {
	return &partAccumulator{
		emit:         emit,
		currentIndex: -1,
	}
}

// process handles one provider delta event. Returns false when the consumer
// stopped accepting events.
func (acc *partAccumulator) process(ev llmprovider.StreamEvent) (bool, error) {
	delta := ev.Delta
	if delta == nil {
		return true, nil
	}

	if delta.BlockIndex != acc.currentIndex {
		if ok, err := acc.flush(); err != nil || !ok {
			return ok, err
		}

		// Start new block
		acc.currentIndex = delta.BlockIndex
		acc.currentType = ""
		acc.text.Reset()
		acc.inputJSON.Reset()
		acc.signature.Reset()
		acc.toolCallID = nil
		acc.toolName = nil
	}

	// Block type may arrive late (metadata-only first delta)
	if acc.currentType == "" && delta.BlockType != nil {
		acc.currentType = *delta.BlockType
	}

	// Tool call metadata (current and legacy field names)
	if delta.ToolCallID != nil {
		acc.toolCallID = delta.ToolCallID
	}
	if delta.ToolCallName != nil {
		acc.toolName = delta.ToolCallName
	}
	if delta.ToolUseID != nil {
		acc.toolCallID = delta.ToolUseID
	}
	if delta.ToolName != nil {
		acc.toolName = delta.ToolName
	}

	if delta.SignatureDelta != nil {
		acc.signature.WriteString(*delta.SignatureDelta)
	}
	if delta.ThinkingSignature != nil {
		acc.signature.Reset()
		acc.signature.WriteString(*delta.ThinkingSignature)
	}
	if delta.JSONDelta != nil {
		acc.inputJSON.WriteString(*delta.JSONDelta)
	}

	if delta.TextDelta != nil {
		acc.text.WriteString(*delta.TextDelta)

		switch acc.currentType {
		case blockTypeThinking:
			return acc.emit(chatsvc.CompletionEvent{
				Kind:      chatsvc.EventReasoning,
				TextDelta: *delta.TextDelta,
			}), nil
		case blockTypeRedactedThinking:
			// Opaque payload, flushed whole at block end
		default:
			return acc.emit(chatsvc.CompletionEvent{
				Kind:      chatsvc.EventContent,
				TextDelta: *delta.TextDelta,
			}), nil
		}
	}

	return true, nil
}

// finalize flushes the trailing block at end of stream.
func (acc *partAccumulator) finalize() (bool, error) {
	return acc.flush()
}

// flush completes the current block: emits its terminal event and records
// the block for the next-round echo. No-op when no block is open.
func (acc *partAccumulator) flush() (bool, error) {
	if acc.currentIndex == -1 {
		return true, nil
	}

	block := &llmprovider.Block{
		BlockType: acc.currentType,
		Sequence:  len(acc.blocks),
	}
	if text := acc.text.String(); text != "" {
		t := text
		block.TextContent = &t
	}

	ok := true
	switch acc.currentType {
	case blockTypeThinking:
		if sig := acc.signature.String(); sig != "" {
			block.Content = map[string]interface{}{"signature": sig}
			ok = acc.emit(chatsvc.CompletionEvent{
				Kind:      chatsvc.EventReasoningSignature,
				Signature: sig,
			})
		}

	case blockTypeRedactedThinking:
		data := acc.text.String()
		if data != "" {
			block.Content = map[string]interface{}{"data": data}
		}
		ok = acc.emit(chatsvc.CompletionEvent{
			Kind: chatsvc.EventRedactedReasoning,
			Data: data,
		})

	case blockTypeToolUse:
		input := map[string]interface{}{}
		if jsonStr := acc.inputJSON.String(); jsonStr != "" {
			if err := json.Unmarshal([]byte(jsonStr), &input); err != nil {
				return false, fmt.Errorf("parse tool input JSON: %w", err)
			}
		}

		var id, name string
		if acc.toolCallID != nil {
			id = *acc.toolCallID
		}
		if acc.toolName != nil {
			name = *acc.toolName
		}

		block.Content = map[string]interface{}{
			"tool_use_id": id,
			"tool_name":   name,
			"input":       input,
		}
		acc.toolCalls = append(acc.toolCalls, tools.ToolCall{
			ID:    id,
			Name:  name,
			Input: input,
		})
		ok = acc.emit(chatsvc.CompletionEvent{
			Kind:       chatsvc.EventToolCall,
			ToolCallID: id,
			ToolName:   name,
			Input:      input,
		})
	}

	acc.blocks = append(acc.blocks, block)
	acc.currentIndex = -1
	acc.currentType = ""

	return ok, nil
}

// roundBlocks returns the completed blocks of this round.
func (acc *partAccumulator) roundBlocks() []*llmprovider.Block {
	return acc.blocks
}

// pendingToolCalls returns the tool calls collected this round.
func (acc *partAccumulator) pendingToolCalls() []tools.ToolCall {
	return acc.toolCalls
}
