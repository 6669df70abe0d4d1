package chat

import (
	"strings"
)

// Part type constants
const (
	PartTypeText              = "text"
	PartTypeReasoning         = "reasoning"
	PartTypeRedactedReasoning = "redacted_reasoning"
	PartTypeToolCall          = "tool_call"
	PartTypeToolResult        = "tool_result"
	PartTypeError             = "error"
)

// Part is one typed fragment of a streaming assistant response. Exactly the
// fields for the given Type are set:
//   - text: Text
//   - reasoning: Text, Signature (optional)
//   - redacted_reasoning: Data (opaque payload)
//   - tool_call: ToolCallID, ToolName, Input
//   - tool_result: ToolCallID, ToolName (resolved from the matching
//     tool_call, empty when unmatched), Result, IsError
//   - error: Text (user-facing message), FinishReason
type Part struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	Signature    *string                `json:"signature,omitempty"`
	Data         *string                `json:"data,omitempty"`
	ToolCallID   string                 `json:"tool_call_id,omitempty"`
	ToolName     string                 `json:"tool_name,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Result       *string                `json:"result,omitempty"`
	IsError      bool                   `json:"is_error,omitempty"`
	FinishReason *string                `json:"finish_reason,omitempty"`
}

// Parts is the ordered, append-only part list accumulated during a stream.
type Parts []Part

// JoinText concatenates the text parts in order. Reasoning and tool parts
// are excluded; this is what lands in the message's flat content column.
func (ps Parts) JoinText() string {
	var b strings.Builder
	for _, p := range ps {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ResolveToolName returns the tool name of the earlier tool_call part with
// the given id, or "" when no such part exists.
func (ps Parts) ResolveToolName(toolCallID string) string {
	for _, p := range ps {
		if p.Type == PartTypeToolCall && p.ToolCallID == toolCallID {
			return p.ToolName
		}
	}
	return ""
}

// Clone returns a deep copy. Batched updates snapshot the parts list at
// schedule time, so later appends must not leak into a pending write.
func (ps Parts) Clone() Parts {
	if ps == nil {
		return nil
	}
	out := make(Parts, len(ps))
	copy(out, ps)
	for i := range out {
		if out[i].Input != nil {
			in := make(map[string]interface{}, len(out[i].Input))
			for k, v := range out[i].Input {
				in[k] = v
			}
			out[i].Input = in
		}
	}
	return out
}
