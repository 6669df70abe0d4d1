package engine

import (
	"context"
	"fmt"
	"strings"

	llmprovider "github.com/haowjy/meridian-llm-go"
)

// maxDiffBytes caps how much of a diff is sent for commit-message
// generation. Large diffs get truncated, not rejected.
const maxDiffBytes = 16 * 1024

const commitMessagePrompt = "Write a one-line git commit message (imperative mood, under 72 characters, no trailing period) describing the following diff. Respond with the commit message only."

// GenerateCommitMessage derives a one-line commit message from a diff using
// a non-streaming completion. Callers fall back to a static message on error.
func (e *Engine) GenerateCommitMessage(ctx context.Context, model, diff string) (string, error) {
	if strings.TrimSpace(diff) == "" {
		return "", fmt.Errorf("empty diff")
	}
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes]
	}

	text := commitMessagePrompt + "\n\n" + diff
	req := &llmprovider.GenerateRequest{
		Messages: []llmprovider.Message{
			{
				Role: "user",
				Blocks: []*llmprovider.Block{
					{BlockType: blockTypeText, Sequence: 0, TextContent: &text},
				},
			},
		},
		Model: model,
	}

	resp, err := e.provider.GenerateResponse(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate commit message: %w", err)
	}

	for _, block := range resp.Blocks {
		if block.BlockType != blockTypeText || block.TextContent == nil {
			continue
		}
		message := strings.TrimSpace(*block.TextContent)
		if message == "" {
			continue
		}
		// First line only, however the model formatted its answer
		if i := strings.IndexByte(message, '\n'); i >= 0 {
			message = strings.TrimSpace(message[:i])
		}
		return message, nil
	}

	return "", fmt.Errorf("no text content in commit message response")
}
