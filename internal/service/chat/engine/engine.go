// Package engine adapts LLM providers to the completion engine contract.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	llmprovider "github.com/haowjy/meridian-llm-go"
	"github.com/haowjy/meridian-llm-go/providers/anthropic"

	"relay/internal/domain/models/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/git"
	"relay/internal/service/chat/tools"
)

// eventBufferSize is the engine output channel depth. Buffered so short
// bursts of deltas don't stall the provider reader.
const eventBufferSize = 32

// Engine implements the CompletionEngine contract on top of a provider
// library. It streams block deltas, folds them into typed completion events,
// and executes workspace tools between rounds when the model requests them.
type Engine struct {
	provider      llmprovider.Provider
	logger        *slog.Logger
	maxToolRounds int

	// newRunner builds the git runner for a task workspace. Overridable
	// in tests.
	newRunner func(workspace string) git.Runner
}

// NewEngine creates an Engine backed by the library's Anthropic provider.
func NewEngine(apiKey string, maxToolRounds int, logger *slog.Logger) (*Engine, error) {
	provider, err := anthropic.NewProvider(apiKey)
	if err != nil {
		return nil, fmt.Errorf("create anthropic provider: %w", err)
	}

	return NewEngineWithProvider(provider, maxToolRounds, logger), nil
}

// NewEngineWithProvider creates an Engine from an existing provider.
// Used by tests and alternative provider wiring.
func NewEngineWithProvider(provider llmprovider.Provider, maxToolRounds int, logger *slog.Logger) *Engine {
	return &Engine{
		provider:      provider,
		logger:        logger,
		maxToolRounds: maxToolRounds,
		newRunner: func(workspace string) git.Runner {
			return git.NewRunner(workspace)
		},
	}
}

// Name returns the underlying provider name.
func (e *Engine) Name() string {
	return e.provider.Name().String()
}

// SupportsModel returns true if the underlying provider supports the model.
func (e *Engine) SupportsModel(model string) bool {
	return e.provider.SupportsModel(model)
}

// StreamCompletion starts one turn. The returned channel closes when the
// turn is done emitting: normal end, error, or cancellation.
func (e *Engine) StreamCompletion(ctx context.Context, req *chatsvc.CompletionRequest) (<-chan chatsvc.CompletionEvent, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	messages := toLibraryMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	var libTools []llmprovider.Tool
	var registry *tools.Registry
	if req.ToolsEnabled && req.Workspace != "" {
		var err error
		libTools, err = toLibraryTools(tools.WorkspaceDefinitions())
		if err != nil {
			return nil, fmt.Errorf("build tools: %w", err)
		}
		registry = tools.NewWorkspaceRegistry(e.newRunner(req.Workspace))
	}

	out := make(chan chatsvc.CompletionEvent, eventBufferSize)
	go e.run(ctx, req, messages, libTools, registry, out)

	return out, nil
}

// run drives the tool-round loop for one turn.
func (e *Engine) run(
	ctx context.Context,
	req *chatsvc.CompletionRequest,
	messages []llmprovider.Message,
	libTools []llmprovider.Tool,
	registry *tools.Registry,
	out chan<- chatsvc.CompletionEvent,
) {
	defer close(out)

	send := func(ev chatsvc.CompletionEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage chat.Usage
	stopReason := ""

	for round := 0; ; round++ {
		system := req.System
		libReq := &llmprovider.GenerateRequest{
			Messages: messages,
			Model:    req.Model,
			Params: &llmprovider.RequestParams{
				System: &system,
				Tools:  libTools,
			},
		}

		events, err := e.provider.StreamResponse(ctx, libReq)
		if err != nil {
			send(chatsvc.CompletionEvent{Kind: chatsvc.EventError, Err: fmt.Errorf("start stream: %w", err)})
			return
		}

		acc := newPartAccumulator(send)
		roundIn, roundOut := 0, 0
		var streamErr error

		// Drain the provider channel fully even after an error so its
		// goroutine can exit.
		for ev := range events {
			if streamErr != nil {
				continue
			}

			if ev.Error != nil {
				streamErr = ev.Error
				continue
			}

			if ev.Delta != nil {
				if ev.Delta.InputTokens != nil {
					roundIn += *ev.Delta.InputTokens
				}
				if ev.Delta.OutputTokens != nil {
					roundOut += *ev.Delta.OutputTokens
				}

				ok, perr := acc.process(ev)
				if perr != nil {
					streamErr = perr
					continue
				}
				if !ok {
					return
				}
			}

			if ev.Metadata != nil {
				if ev.Metadata.InputTokens > 0 {
					roundIn = ev.Metadata.InputTokens
				}
				if ev.Metadata.OutputTokens > 0 {
					roundOut = ev.Metadata.OutputTokens
				}
				if ev.Metadata.StopReason != "" {
					stopReason = ev.Metadata.StopReason
				}
			}
		}

		if streamErr != nil {
			send(chatsvc.CompletionEvent{Kind: chatsvc.EventError, Err: streamErr})
			return
		}
		if ctx.Err() != nil {
			return
		}

		ok, err := acc.finalize()
		if err != nil {
			send(chatsvc.CompletionEvent{Kind: chatsvc.EventError, Err: err})
			return
		}
		if !ok {
			return
		}

		usage.InputTokens += roundIn
		usage.OutputTokens += roundOut

		calls := acc.pendingToolCalls()
		if len(calls) > 0 && registry != nil {
			if round >= e.maxToolRounds {
				e.logger.Warn("max tool rounds reached, completing without tool execution",
					"round", round,
					"max_rounds", e.maxToolRounds,
					"pending_tools", len(calls),
					"task_id", req.TaskID,
				)
			} else {
				resultMsg, ok := e.executeTools(ctx, registry, calls, send)
				if !ok {
					return
				}

				// Extend the conversation: the assistant's blocks from
				// this round, then the tool results as a user message.
				messages = append(messages,
					llmprovider.Message{Role: chat.RoleAssistant, Blocks: acc.roundBlocks()},
					resultMsg,
				)
				continue
			}
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		send(chatsvc.CompletionEvent{
			Kind:         chatsvc.EventUsage,
			Usage:        &usage,
			FinishReason: mapStopReason(stopReason),
		})
		return
	}
}

// executeTools runs the collected tool calls, emits their result events, and
// builds the tool-result message for the next round.
func (e *Engine) executeTools(
	ctx context.Context,
	registry *tools.Registry,
	calls []tools.ToolCall,
	send func(chatsvc.CompletionEvent) bool,
) (llmprovider.Message, bool) {
	results := registry.ExecuteAll(ctx, calls)

	blocks := make([]*llmprovider.Block, 0, len(results))
	for i, res := range results {
		var payload string
		if res.IsError {
			payload = res.Error.Error()
		} else {
			data, err := json.Marshal(res.Result)
			if err != nil {
				payload = fmt.Sprintf("marshal result: %v", err)
				res.IsError = true
			} else {
				payload = string(data)
			}
		}

		if !send(chatsvc.CompletionEvent{
			Kind:       chatsvc.EventToolResult,
			ToolCallID: res.ID,
			ToolName:   res.Name,
			Result:     payload,
			IsError:    res.IsError,
		}) {
			return llmprovider.Message{}, false
		}

		content := map[string]interface{}{
			"tool_use_id": res.ID,
			"is_error":    res.IsError,
		}
		if res.IsError {
			content["error"] = payload
		} else {
			content["result"] = payload
		}
		blocks = append(blocks, &llmprovider.Block{
			BlockType: blockTypeToolResult,
			Sequence:  i,
			Content:   content,
		})
	}

	return llmprovider.Message{Role: chat.RoleUser, Blocks: blocks}, true
}

// mapStopReason translates provider stop reasons into finish reasons.
func mapStopReason(stopReason string) string {
	switch stopReason {
	case "", "end_turn", "stop_sequence":
		return chat.FinishReasonEndTurn
	case "max_tokens":
		return chat.FinishReasonMaxTokens
	case "tool_use":
		return chat.FinishReasonToolUse
	default:
		return stopReason
	}
}
