package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/internal/git"
)

// mockTool is a test implementation of ToolExecutor.
type mockTool struct {
	name       string
	delay      time.Duration
	shouldFail bool
	execCount  int
	mu         sync.Mutex
}

func (m *mockTool) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	m.mu.Lock()
	m.execCount++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.shouldFail {
		return nil, errors.New("mock tool failed")
	}

	return map[string]interface{}{
		"tool":  m.name,
		"input": input,
	}, nil
}

func (m *mockTool) getExecCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execCount
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	tool := &mockTool{name: "test_tool"}

	registry.Register("test_tool", tool)

	retrieved := registry.Get("test_tool")
	if retrieved == nil {
		t.Fatal("Get returned nil for registered tool")
	}
	if retrieved != tool {
		t.Error("Get returned different tool instance")
	}

	if nonExistent := registry.Get("non_existent"); nonExistent != nil {
		t.Error("Get returned non-nil for non-existent tool")
	}
}

func TestRegistry_Execute(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	t.Run("successful execution", func(t *testing.T) {
		tool := &mockTool{name: "success_tool"}
		registry.Register("success_tool", tool)

		result := registry.Execute(ctx, ToolCall{
			ID:    "call_1",
			Name:  "success_tool",
			Input: map[string]interface{}{"param": "value"},
		})

		if result.IsError {
			t.Errorf("expected success, got error: %v", result.Error)
		}
		if result.ID != "call_1" {
			t.Errorf("expected ID 'call_1', got %s", result.ID)
		}
		if result.Result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("tool not found", func(t *testing.T) {
		result := registry.Execute(ctx, ToolCall{ID: "call_2", Name: "non_existent_tool"})

		if !result.IsError {
			t.Error("expected error for non-existent tool")
		}
		if result.Error == nil {
			t.Error("expected non-nil error")
		}
		if result.ID != "call_2" {
			t.Errorf("expected ID 'call_2', got %s", result.ID)
		}
	})

	t.Run("tool execution failure", func(t *testing.T) {
		registry.Register("fail_tool", &mockTool{name: "fail_tool", shouldFail: true})

		result := registry.Execute(ctx, ToolCall{ID: "call_3", Name: "fail_tool"})

		if !result.IsError {
			t.Error("expected error for failed tool execution")
		}
		if result.Error == nil {
			t.Error("expected non-nil error")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		registry.Register("slow_tool", &mockTool{name: "slow_tool", delay: 500 * time.Millisecond})

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		result := registry.Execute(cancelled, ToolCall{ID: "call_4", Name: "slow_tool"})

		if !result.IsError {
			t.Error("expected error for cancelled context")
		}
		if !errors.Is(result.Error, context.Canceled) {
			t.Errorf("expected context.Canceled error, got: %v", result.Error)
		}
	})
}

func TestRegistry_ExecuteAll(t *testing.T) {
	t.Run("empty calls", func(t *testing.T) {
		registry := NewRegistry()
		results := registry.ExecuteAll(context.Background(), []ToolCall{})

		if len(results) != 0 {
			t.Errorf("expected 0 results, got %d", len(results))
		}
	})

	t.Run("order preservation", func(t *testing.T) {
		registry := NewRegistry()
		for i := 0; i < 3; i++ {
			registry.Register(fmt.Sprintf("tool_%d", i), &mockTool{name: fmt.Sprintf("tool_%d", i)})
		}

		calls := []ToolCall{
			{ID: "call_0", Name: "tool_0"},
			{ID: "call_1", Name: "tool_1"},
			{ID: "call_2", Name: "tool_2"},
		}

		results := registry.ExecuteAll(context.Background(), calls)

		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		for i, result := range results {
			expectedID := fmt.Sprintf("call_%d", i)
			if result.ID != expectedID {
				t.Errorf("result %d has wrong ID: got %s, expected %s", i, result.ID, expectedID)
			}
			if result.IsError {
				t.Errorf("result %d has error: %v", i, result.Error)
			}
		}
	})

	t.Run("mixed success and failure", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register("success_tool", &mockTool{name: "success_tool"})
		registry.Register("fail_tool", &mockTool{name: "fail_tool", shouldFail: true})

		calls := []ToolCall{
			{ID: "call_0", Name: "success_tool"},
			{ID: "call_1", Name: "fail_tool"},
			{ID: "call_2", Name: "non_existent"},
			{ID: "call_3", Name: "success_tool"},
		}

		results := registry.ExecuteAll(context.Background(), calls)

		if len(results) != 4 {
			t.Fatalf("expected 4 results, got %d", len(results))
		}
		if results[0].IsError {
			t.Errorf("result 0 should succeed, got error: %v", results[0].Error)
		}
		if !results[1].IsError {
			t.Error("result 1 should fail")
		}
		if !results[2].IsError {
			t.Error("result 2 should fail (tool not found)")
		}
		if results[3].IsError {
			t.Errorf("result 3 should succeed, got error: %v", results[3].Error)
		}
	})

	t.Run("cancelled context short-circuits remaining calls", func(t *testing.T) {
		registry := NewRegistry()
		tool := &mockTool{name: "tool"}
		registry.Register("tool", tool)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		calls := []ToolCall{
			{ID: "call_0", Name: "tool"},
			{ID: "call_1", Name: "tool"},
		}

		results := registry.ExecuteAll(cancelled, calls)

		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		for i, result := range results {
			if !result.IsError {
				t.Errorf("result %d should have error due to context cancellation", i)
			}
			if result.Error != nil && !errors.Is(result.Error, context.Canceled) {
				t.Errorf("result %d has wrong error type: %v", i, result.Error)
			}
		}
		if tool.getExecCount() != 0 {
			t.Errorf("expected 0 executions after cancellation, got %d", tool.getExecCount())
		}
	})
}

// stubRunner implements git.Runner with canned outputs for the tool tests.
type stubRunner struct {
	status  string
	diff    string
	runArgs []string
	runOut  string
	runErr  error
}

func (s *stubRunner) CurrentBranch() (string, error)              { return "main", nil }
func (s *stubRunner) CreateAndCheckoutBranch(name string) error   { return nil }
func (s *stubRunner) CheckoutBranch(name string) error            { return nil }
func (s *stubRunner) BranchExists(name string) (bool, error)      { return false, nil }
func (s *stubRunner) Status() (string, error)                     { return s.status, nil }
func (s *stubRunner) HasChanges() (bool, error)                   { return s.status != "", nil }
func (s *stubRunner) Diff() (string, error)                       { return s.diff, nil }
func (s *stubRunner) AddAll() error                               { return nil }
func (s *stubRunner) HeadSHA() (string, error)                    { return "abc123", nil }
func (s *stubRunner) ResetHard(ref string) error                  { return nil }
func (s *stubRunner) Push(branch string) error                    { return nil }
func (s *stubRunner) Commit(msg string, author git.Identity, coAuthors ...git.Identity) error {
	return nil
}

func (s *stubRunner) Run(args ...string) (string, error) {
	s.runArgs = args
	return s.runOut, s.runErr
}

func TestGitStatusTool_Execute(t *testing.T) {
	t.Run("dirty tree", func(t *testing.T) {
		tool := NewGitStatusTool(&stubRunner{status: " M main.go"})

		result, err := tool.Execute(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		out := result.(map[string]interface{})
		if out["status"] != " M main.go" {
			t.Errorf("wrong status: %v", out["status"])
		}
		if out["clean"] != false {
			t.Error("expected clean=false for dirty tree")
		}
	})

	t.Run("clean tree", func(t *testing.T) {
		tool := NewGitStatusTool(&stubRunner{status: ""})

		result, err := tool.Execute(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		out := result.(map[string]interface{})
		if out["clean"] != true {
			t.Error("expected clean=true for clean tree")
		}
	})
}

func TestGitLogTool_Execute(t *testing.T) {
	tests := []struct {
		name      string
		input     map[string]interface{}
		wantCount string
	}{
		{"default count", nil, "-10"},
		{"explicit count", map[string]interface{}{"count": float64(5)}, "-5"},
		{"count above cap falls back to default", map[string]interface{}{"count": float64(500)}, "-10"},
		{"zero count falls back to default", map[string]interface{}{"count": float64(0)}, "-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{runOut: "abc123 initial commit"}
			tool := NewGitLogTool(runner)

			result, err := tool.Execute(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(runner.runArgs) != 3 || runner.runArgs[0] != "log" {
				t.Fatalf("unexpected git args: %v", runner.runArgs)
			}
			if runner.runArgs[2] != tt.wantCount {
				t.Errorf("wrong count arg: got %s, expected %s", runner.runArgs[2], tt.wantCount)
			}

			out := result.(map[string]interface{})
			if !strings.Contains(out["log"].(string), "initial commit") {
				t.Errorf("log output missing: %v", out["log"])
			}
		})
	}
}

func TestNewWorkspaceRegistry(t *testing.T) {
	registry := NewWorkspaceRegistry(&stubRunner{})

	for _, name := range []string{"git_status", "git_diff", "git_log"} {
		if registry.Get(name) == nil {
			t.Errorf("%s not registered", name)
		}
	}
}
