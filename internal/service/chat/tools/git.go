package tools

import (
	"context"
	"fmt"

	"relay/internal/git"
)

// GitStatusTool reports the working tree status of the task workspace.
type GitStatusTool struct {
	runner git.DiffOperations
}

// NewGitStatusTool creates a git_status executor backed by the given runner.
func NewGitStatusTool(runner git.DiffOperations) *GitStatusTool {
	return &GitStatusTool{runner: runner}
}

// Execute runs git status --porcelain.
func (t *GitStatusTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	status, err := t.runner.Status()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return map[string]interface{}{
		"status": status,
		"clean":  status == "",
	}, nil
}

// GitDiffTool reports the working tree diff against HEAD.
type GitDiffTool struct {
	runner git.DiffOperations
}

// NewGitDiffTool creates a git_diff executor backed by the given runner.
func NewGitDiffTool(runner git.DiffOperations) *GitDiffTool {
	return &GitDiffTool{runner: runner}
}

// Execute runs git diff HEAD.
func (t *GitDiffTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	diff, err := t.runner.Diff()
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}
	return map[string]interface{}{
		"diff": diff,
	}, nil
}

// GitLogTool shows recent commits on the current branch.
type GitLogTool struct {
	runner git.Runner
}

// NewGitLogTool creates a git_log executor backed by the given runner.
func NewGitLogTool(runner git.Runner) *GitLogTool {
	return &GitLogTool{runner: runner}
}

// Execute runs git log --oneline with a bounded count.
func (t *GitLogTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	count := 10
	if v, ok := input["count"].(float64); ok && v >= 1 && v <= 50 {
		count = int(v)
	}
	out, err := t.runner.Run("log", "--oneline", fmt.Sprintf("-%d", count))
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	return map[string]interface{}{
		"log": out,
	}, nil
}

// NewWorkspaceRegistry builds the tool registry for one task workspace.
// All executors share a single runner so they observe the same tree.
func NewWorkspaceRegistry(runner git.Runner) *Registry {
	registry := NewRegistry()
	registry.Register("git_status", NewGitStatusTool(runner))
	registry.Register("git_diff", NewGitDiffTool(runner))
	registry.Register("git_log", NewGitLogTool(runner))
	return registry
}
