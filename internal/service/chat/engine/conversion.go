package engine

import (
	"fmt"

	llmprovider "github.com/haowjy/meridian-llm-go"

	"relay/internal/domain/models/chat"
	"relay/internal/service/chat/tools"
)

// Provider-side block type constants.
const (
	blockTypeText             = "text"
	blockTypeThinking         = "thinking"
	blockTypeRedactedThinking = "redacted_thinking"
	blockTypeToolUse          = "tool_use"
	blockTypeToolResult       = "tool_result"
)

// Provider-side delta type constants.
const (
	deltaTypeText      = "text_delta"
	deltaTypeThinking  = "thinking_delta"
	deltaTypeSignature = "signature_delta"
	deltaTypeToolStart = "tool_call_start"
	deltaTypeInputJSON = "input_json_delta"
	deltaTypeUsage     = "usage_delta"
)

// toLibraryMessages converts a conversation log to library messages.
// System messages are excluded (the system prompt travels in request params)
// and error parts are never replayed to the model.
func toLibraryMessages(msgs []chat.Message) []llmprovider.Message {
	out := make([]llmprovider.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == chat.RoleSystem {
			continue
		}

		var blocks []*llmprovider.Block
		if len(msg.Parts) == 0 {
			text := msg.Content
			blocks = []*llmprovider.Block{{
				BlockType:   blockTypeText,
				Sequence:    0,
				TextContent: &text,
			}}
		} else {
			blocks = toLibraryBlocks(msg.Parts)
		}
		if len(blocks) == 0 {
			continue
		}

		out = append(out, llmprovider.Message{
			Role:   msg.Role,
			Blocks: blocks,
		})
	}
	return out
}

// toLibraryBlocks converts message parts to library blocks, preserving order.
func toLibraryBlocks(parts chat.Parts) []*llmprovider.Block {
	blocks := make([]*llmprovider.Block, 0, len(parts))
	for _, p := range parts {
		var block *llmprovider.Block

		switch p.Type {
		case chat.PartTypeText:
			text := p.Text
			block = &llmprovider.Block{
				BlockType:   blockTypeText,
				TextContent: &text,
			}

		case chat.PartTypeReasoning:
			text := p.Text
			block = &llmprovider.Block{
				BlockType:   blockTypeThinking,
				TextContent: &text,
			}
			if p.Signature != nil {
				block.Content = map[string]interface{}{"signature": *p.Signature}
			}

		case chat.PartTypeRedactedReasoning:
			block = &llmprovider.Block{
				BlockType: blockTypeRedactedThinking,
			}
			if p.Data != nil {
				block.Content = map[string]interface{}{"data": *p.Data}
			}

		case chat.PartTypeToolCall:
			block = &llmprovider.Block{
				BlockType: blockTypeToolUse,
				Content: map[string]interface{}{
					"tool_use_id": p.ToolCallID,
					"tool_name":   p.ToolName,
					"input":       p.Input,
				},
			}

		case chat.PartTypeToolResult:
			content := map[string]interface{}{
				"tool_use_id": p.ToolCallID,
				"is_error":    p.IsError,
			}
			if p.Result != nil {
				content["result"] = *p.Result
			}
			block = &llmprovider.Block{
				BlockType: blockTypeToolResult,
				Content:   content,
			}

		default:
			// error parts and unknown types are not replayed
			continue
		}

		block.Sequence = len(blocks)
		blocks = append(blocks, block)
	}
	return blocks
}

// toLibraryTools converts tool definitions to library tools.
func toLibraryTools(defs []tools.Definition) ([]llmprovider.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	out := make([]llmprovider.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Function == nil || def.Function.Name == "" {
			return nil, fmt.Errorf("tool definition missing function name")
		}
		tool, err := llmprovider.NewCustomTool(
			def.Function.Name,
			def.Function.Description,
			def.Function.Parameters,
		)
		if err != nil {
			return nil, fmt.Errorf("create tool '%s': %w", def.Function.Name, err)
		}
		out = append(out, *tool)
	}
	return out, nil
}
