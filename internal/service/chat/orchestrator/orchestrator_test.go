package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relay/internal/domain/models"
	"relay/internal/domain/models/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/git"
	"relay/internal/realtime"
)

type testEnv struct {
	svc    *Service
	repo   *fakeMessageRepo
	tasks  *fakeTaskRepo
	cps    *fakeCheckpointRepo
	prefs  *fakePrefsRepo
	engine *fakeEngine
	runner *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:   newFakeMessageRepo(),
		tasks:  newFakeTaskRepo(),
		cps:    newFakeCheckpointRepo(),
		prefs:  newFakePrefsRepo(),
		engine: &fakeEngine{commitMsg: "Update handler wiring"},
		runner: &fakeRunner{headSHA: "abc123", currentBranch: "main"},
	}
	env.svc = NewService(Config{
		Engine:      env.engine,
		Messages:    env.repo,
		Tasks:       env.tasks,
		Checkpoints: env.cps,
		Preferences: env.prefs,
		Hub:         realtime.NewHub(time.Minute, time.Minute),
		NewRunner:   func(string) git.Runner { return env.runner },
		Logger:      discardLogger(),
		DefaultModel: "model-default",
		Agent: git.Identity{
			Name:  "Relay Agent",
			Email: "agent@relay.dev",
		},
		FlushInterval:  time.Hour, // tests assert on synchronous writes only
		InterruptGrace: time.Second,
	})
	return env
}

func (env *testEnv) createTask(t *testing.T, workspace string) *chat.Task {
	t.Helper()
	task := &chat.Task{UserID: "user-1", Title: "test task", Status: chat.TaskStatusIdle}
	if workspace != "" {
		task.Workspace = &workspace
	}
	if err := env.tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (env *testEnv) waitIdle(t *testing.T) {
	waitFor(t, "all sessions to tear down", func() bool {
		return env.svc.sessions.count() == 0
	})
}

func TestSubmitMessageRunsFullTurn(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("hello there"),
		usageEvent(5, 7, chat.FinishReasonEndTurn),
	}})

	resp, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID:  task.ID,
		UserID:  "user-1",
		Content: "say hi",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Queued {
		t.Error("submission queued with no live turn")
	}
	if resp.UserMessage == nil || resp.UserMessage.Content != "say hi" {
		t.Errorf("user message = %+v, want persisted content", resp.UserMessage)
	}
	if resp.StreamURL == "" {
		t.Error("no stream URL returned")
	}

	env.waitIdle(t)
	waitFor(t, "task completed", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusCompleted
	})

	assistant := env.repo.lastByRole(task.ID, chat.RoleAssistant)
	if assistant == nil {
		t.Fatal("no assistant message persisted")
	}
	if assistant.Content != "hello there" {
		t.Errorf("assistant content = %q", assistant.Content)
	}
	if assistant.Streaming {
		t.Error("assistant message left streaming")
	}
	if assistant.Sequence <= resp.UserMessage.Sequence {
		t.Errorf("assistant sequence %d not after user sequence %d", assistant.Sequence, resp.UserMessage.Sequence)
	}
}

func TestValidationRejectsEmptySubmissions(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  *chatsvc.SubmitMessageRequest
	}{
		{"missing task", &chatsvc.SubmitMessageRequest{UserID: "u", Content: "x"}},
		{"missing user", &chatsvc.SubmitMessageRequest{TaskID: "t", Content: "x"}},
		{"missing content", &chatsvc.SubmitMessageRequest{TaskID: "t", UserID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.SubmitMessage(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConcurrentCreatesAllocateDistinctSequences(t *testing.T) {
	repo := newFakeMessageRepo()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	results := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &chat.Message{TaskID: "task-1", Role: chat.RoleUser, Content: "m"}
			if err := repo.CreateMessage(ctx, msg); err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results <- msg.Sequence
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for seq := range results {
		if seen[seq] {
			t.Fatalf("sequence %d allocated twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != writers {
		t.Errorf("allocated %d distinct sequences, want %d", len(seen), writers)
	}
}

func TestImmediateSubmitInterruptsLiveTurn(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	hold := make(chan struct{})
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("first turn ")},
		holdOpen: hold,
	})
	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("second turn"),
		usageEvent(1, 2, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "first",
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	waitFor(t, "first turn streaming", func() bool {
		return env.repo.lastByRole(task.ID, chat.RoleAssistant) != nil
	})

	resp, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "second", Immediate: true,
	})
	if err != nil {
		t.Fatalf("immediate submit: %v", err)
	}
	if resp.Queued {
		t.Error("immediate submission was queued")
	}

	// The prior turn must have reached Stopped before the new one started.
	history := env.tasks.statusHistory(task.ID)
	sawStopped := false
	for _, s := range history {
		if s == chat.TaskStatusStopped {
			sawStopped = true
		}
	}
	if !sawStopped {
		t.Errorf("status history %v missing stopped transition", history)
	}

	env.waitIdle(t)
	waitFor(t, "second turn completed", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusCompleted
	})
	if got := env.engine.callCount(); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
}

func TestNonImmediateSubmitQueuesLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	hold := make(chan struct{})
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("live "), usageEvent(1, 1, chat.FinishReasonEndTurn)},
		gateAfter: 1,
		gate:      hold,
	})
	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("queued turn"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "live",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.repo.lastByRole(task.ID, chat.RoleAssistant) != nil
	})

	for _, content := range []string{"queued one", "queued two"} {
		resp, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
			TaskID: task.ID, UserID: "user-1", Content: content,
		})
		if err != nil {
			t.Fatalf("queue submit: %v", err)
		}
		if !resp.Queued {
			t.Fatalf("submission %q not queued while turn live", content)
		}
	}

	// One slot: the second queued message overwrote the first.
	summary, ok := env.svc.QueuedAction(task.ID)
	if !ok {
		t.Fatal("no queued action reported")
	}
	if summary.Kind != chat.QueuedKindMessage || summary.Content != "queued two" {
		t.Errorf("queued summary = %+v, want last message", summary)
	}

	close(hold)
	waitFor(t, "queued turn to run", func() bool {
		return env.engine.callCount() == 2
	})
	env.waitIdle(t)

	// Only the winning queued message was persisted.
	if env.repo.lastByRole(task.ID, chat.RoleUser).Content != "queued two" {
		t.Error("queued message not persisted after dequeue")
	}
	if got := env.repo.messageCount(task.ID); got != 4 {
		t.Errorf("message count = %d, want 4 (2 user + 2 assistant)", got)
	}
}

func TestErrorEventFailsTaskAndDiscardsQueue(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	gate := make(chan struct{})
	env.engine.addScript(fakeScript{
		events: []chatsvc.CompletionEvent{
			contentEvent("partial"),
			{Kind: chatsvc.EventError, Err: errors.New("provider returned 429 rate limit exceeded")},
		},
		gateAfter: 1,
		gate:      gate,
	})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "do work",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.repo.lastByRole(task.ID, chat.RoleAssistant) != nil
	})

	if resp, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "follow up",
	}); err != nil || !resp.Queued {
		t.Fatalf("queue submit: resp=%+v err=%v", resp, err)
	}

	close(gate)
	waitFor(t, "task failed", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusFailed
	})
	env.waitIdle(t)

	// Exactly one immediate terminal write; the queued action was discarded.
	if got := env.repo.updateCount(); got != 1 {
		t.Errorf("update count = %d, want exactly 1 terminal write", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := env.engine.callCount(); got != 1 {
		t.Errorf("engine calls = %d, want 1 (queued action must not run)", got)
	}

	assistant := env.repo.lastByRole(task.ID, chat.RoleAssistant)
	if assistant.FinishReason == nil || *assistant.FinishReason != chat.FinishReasonError {
		t.Errorf("finish reason = %v, want error", assistant.FinishReason)
	}
	last := assistant.Parts[len(assistant.Parts)-1]
	if last.Type != chat.PartTypeError {
		t.Fatalf("last part = %+v, want error part", last)
	}
	if last.Text == "provider returned 429 rate limit exceeded" {
		t.Error("rate limit error not rewritten to user-facing copy")
	}
}

func TestStopClassifiesTurnAsStopped(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	hold := make(chan struct{})
	defer close(hold)
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("partial answer")},
		holdOpen: hold,
	})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "go",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.repo.lastByRole(task.ID, chat.RoleAssistant) != nil
	})

	if err := env.svc.Stop(context.Background(), task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitFor(t, "task stopped", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusStopped
	})
	env.waitIdle(t)

	assistant := env.repo.lastByRole(task.ID, chat.RoleAssistant)
	if assistant.Streaming {
		t.Error("assistant message left streaming after stop")
	}
	if assistant.FinishReason == nil || *assistant.FinishReason != chat.FinishReasonStopped {
		t.Errorf("finish reason = %v, want stopped", assistant.FinishReason)
	}
	// No automation after a stopped turn.
	if env.runner.commitCount() != 0 {
		t.Error("automation ran after a stopped turn")
	}
}

func TestStopWithoutLiveTurnIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.Stop(context.Background(), "task-absent"); err != nil {
		t.Errorf("stop on idle task: %v", err)
	}
}

func TestEditMessageDeletesSuffixAndReplays(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "/tmp/workspace")
	ctx := context.Background()

	// Seed a finished conversation: u1, a1 (checkpointed), u2, a2.
	seed := []*chat.Message{
		{TaskID: task.ID, Role: chat.RoleUser, Content: "first ask"},
		{TaskID: task.ID, Role: chat.RoleAssistant, Content: "first answer"},
		{TaskID: task.ID, Role: chat.RoleUser, Content: "second ask"},
		{TaskID: task.ID, Role: chat.RoleAssistant, Content: "second answer"},
	}
	for _, m := range seed {
		if err := env.repo.CreateMessage(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := env.cps.CreateCheckpoint(ctx, &chat.Checkpoint{
		TaskID: task.ID, MessageID: seed[1].ID, CommitSHA: "cp-sha",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	env.cps.seqs[seed[1].ID] = seed[1].Sequence

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("replayed answer"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	resp, err := env.svc.EditMessage(ctx, &chatsvc.EditMessageRequest{
		MessageID: seed[2].ID, // "second ask", sequence 3
		UserID:    "user-1",
		Content:   "second ask, revised",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	env.waitIdle(t)
	waitFor(t, "replay completed", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusCompleted
	})

	// Everything after sequence 3 is gone; sequences <= 3 survive.
	messages, _ := env.repo.ListMessages(ctx, task.ID)
	for _, m := range messages {
		if m.Content == "second answer" {
			t.Error("message after edited sequence survived")
		}
	}

	edited, _ := env.repo.GetMessage(ctx, seed[2].ID)
	if edited.Content != "second ask, revised" {
		t.Errorf("edited content = %q", edited.Content)
	}
	if edited.EditedAt == nil {
		t.Error("edited message missing edit timestamp")
	}
	if resp.UserMessage.ID != seed[2].ID {
		t.Error("edit created a new user message instead of updating in place")
	}

	// The workspace was reset to the checkpoint the edited message saw.
	if len(env.runner.resets) != 1 || env.runner.resets[0] != "cp-sha" {
		t.Errorf("resets = %v, want [cp-sha]", env.runner.resets)
	}

	// Replay skipped user persistence: still exactly two user messages.
	userCount := 0
	for _, m := range messages {
		if m.Role == chat.RoleUser {
			userCount++
		}
	}
	if userCount != 2 {
		t.Errorf("user messages = %d, want 2", userCount)
	}

	replayed := env.repo.lastByRole(task.ID, chat.RoleAssistant)
	if replayed.Content != "replayed answer" {
		t.Errorf("replayed answer = %q", replayed.Content)
	}
}

func TestEditRejectsAssistantMessages(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	ctx := context.Background()

	msg := &chat.Message{TaskID: task.ID, Role: chat.RoleAssistant, Content: "answer"}
	if err := env.repo.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := env.svc.EditMessage(ctx, &chatsvc.EditMessageRequest{
		MessageID: msg.ID, UserID: "user-1", Content: "rewrite",
	})
	if err == nil {
		t.Error("editing an assistant message succeeded, want validation error")
	}
}

func TestAutomationCommitsWithCoAuthorAndCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "/tmp/workspace")
	env.runner.hasChanges = true
	env.runner.diff = "diff --git a/main.go b/main.go"

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("done"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "change main.go",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitIdle(t)
	waitFor(t, "checkpoint recorded", func() bool {
		return env.cps.count() == 1
	})

	if env.runner.commitCount() != 1 {
		t.Fatalf("commits = %d, want 1", env.runner.commitCount())
	}
	commit := env.runner.commits[0]
	if commit.message != "Update handler wiring" {
		t.Errorf("commit message = %q, want engine-generated", commit.message)
	}
	if commit.author.Name != "Relay Agent" {
		t.Errorf("author = %+v, want agent identity", commit.author)
	}
	if len(commit.coAuthors) != 1 || commit.coAuthors[0].Name != "user-1" {
		t.Errorf("co-authors = %+v, want initiating user", commit.coAuthors)
	}

	cp, err := env.cps.GetCheckpointByMessage(context.Background(),
		env.repo.lastByRole(task.ID, chat.RoleAssistant).ID)
	if err != nil {
		t.Fatalf("checkpoint lookup: %v", err)
	}
	if cp.CommitSHA != "abc123" {
		t.Errorf("checkpoint sha = %q, want head sha", cp.CommitSHA)
	}

	// No proposal: the user never enabled auto-create.
	if len(env.runner.pushes) != 0 {
		t.Errorf("pushes = %v, want none", env.runner.pushes)
	}
}

func TestAutomationFallsBackToStaticCommitMessage(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "/tmp/workspace")
	env.runner.hasChanges = true
	env.engine.commitErr = errors.New("provider unavailable")

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("done"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "change things",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitIdle(t)
	waitFor(t, "commit made", func() bool {
		return env.runner.commitCount() == 1
	})

	if env.runner.commits[0].message != fallbackCommitMessage {
		t.Errorf("commit message = %q, want fallback", env.runner.commits[0].message)
	}
}

func TestAutomationPushesProposalWhenPreferenceEnabled(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "/tmp/workspace")
	env.runner.hasChanges = true
	if err := env.prefs.Upsert(context.Background(), &models.UserPreferences{
		UserID:             "user-1",
		AutoCreateProposal: true,
	}); err != nil {
		t.Fatalf("seed prefs: %v", err)
	}

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("done"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "ship it",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitIdle(t)
	waitFor(t, "proposal pushed", func() bool {
		env.runner.mu.Lock()
		defer env.runner.mu.Unlock()
		return len(env.runner.pushes) == 1
	})

	if env.runner.pushes[0] != "main" {
		t.Errorf("pushed branch = %q, want current branch", env.runner.pushes[0])
	}
}

func TestCreateStackedTaskDerivesBranchAndSubmits(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "/tmp/workspace")

	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("stacked work"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	task, err := env.svc.CreateStackedTask(context.Background(), &chatsvc.CreateStackedTaskRequest{
		ParentTaskID: parent.ID,
		UserID:       "user-1",
		Content:      "follow-on work\nwith details",
	})
	if err != nil {
		t.Fatalf("create stacked: %v", err)
	}
	if task == nil {
		t.Fatal("no task returned")
	}
	if task.ParentTaskID == nil || *task.ParentTaskID != parent.ID {
		t.Errorf("parent = %v, want %s", task.ParentTaskID, parent.ID)
	}
	if task.Title != "follow-on work" {
		t.Errorf("title = %q, want first line of content", task.Title)
	}
	if task.Branch == nil || len(env.runner.branches) != 1 || env.runner.branches[0] != *task.Branch {
		t.Errorf("branch not created: task=%v runner=%v", task.Branch, env.runner.branches)
	}

	env.waitIdle(t)
	waitFor(t, "stacked turn completed", func() bool {
		return env.tasks.status(task.ID) == chat.TaskStatusCompleted
	})
	if env.repo.lastByRole(task.ID, chat.RoleUser).Content != "follow-on work\nwith details" {
		t.Error("first message not submitted on stacked task")
	}
}

func TestCreateStackedTaskQueuesWhileParentStreaming(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "")

	hold := make(chan struct{})
	defer close(hold)
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("busy")},
		holdOpen: hold,
	})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: parent.ID, UserID: "user-1", Content: "long task",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.repo.lastByRole(parent.ID, chat.RoleAssistant) != nil
	})

	task, err := env.svc.CreateStackedTask(context.Background(), &chatsvc.CreateStackedTaskRequest{
		ParentTaskID: parent.ID,
		UserID:       "user-1",
		Content:      "stack on top",
	})
	if err != nil {
		t.Fatalf("create stacked: %v", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil while queued", task)
	}

	summary, ok := env.svc.QueuedAction(parent.ID)
	if !ok || summary.Kind != chat.QueuedKindStackedTask {
		t.Errorf("queued summary = %+v, want stacked task", summary)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	hold := make(chan struct{})
	defer close(hold)
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("live")},
		holdOpen: hold,
	})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "go",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.svc.sessions.count() == 1
	})

	if err := env.svc.Cleanup(context.Background(), task.ID); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if env.svc.sessions.count() != 0 {
		t.Error("session survived cleanup")
	}

	if err := env.svc.Cleanup(context.Background(), task.ID); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestQueuedSlotSealedByTeardownDrain(t *testing.T) {
	sess := newSession("task-1", "model", func() {})

	if ok := sess.setQueued(&chat.QueuedAction{
		Kind:    chat.QueuedKindMessage,
		Message: &chat.QueuedMessage{Content: "before"},
	}); !ok {
		t.Fatal("queue write refused on a live session")
	}

	action := sess.drainQueued()
	if action == nil || action.Message == nil || action.Message.Content != "before" {
		t.Fatalf("drained action = %+v, want the queued message", action)
	}

	if ok := sess.setQueued(&chat.QueuedAction{
		Kind:    chat.QueuedKindMessage,
		Message: &chat.QueuedMessage{Content: "after"},
	}); ok {
		t.Error("queue write accepted after the drain")
	}
	if _, ok := sess.queuedSummary(); ok {
		t.Error("sealed session still reports a queued action")
	}
	if sess.drainQueued() != nil {
		t.Error("second drain returned an action")
	}
}

func TestSubmitRacingTeardownRunsFreshTurn(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	hold := make(chan struct{})
	env.engine.addScript(fakeScript{
		events:   []chatsvc.CompletionEvent{contentEvent("live answer")},
		holdOpen: hold,
	})
	env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
		contentEvent("follow-up answer"),
		usageEvent(1, 1, chat.FinishReasonEndTurn),
	}})

	if _, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "go",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "turn live", func() bool {
		return env.repo.lastByRole(task.ID, chat.RoleAssistant) != nil
	})

	// Capture the session the way an in-flight submission would, then let
	// the turn finish its teardown before the queue write lands.
	sess, ok := env.svc.sessions.get(task.ID)
	if !ok {
		t.Fatal("no live session")
	}
	close(hold)
	<-sess.done

	// The raced queue write is refused rather than landing on the dead
	// session...
	if ok := sess.setQueued(&chat.QueuedAction{
		Kind:    chat.QueuedKindMessage,
		Message: &chat.QueuedMessage{Content: "raced"},
	}); ok {
		t.Fatal("queue write accepted on a torn-down session")
	}

	// ...so the submission runs as a fresh turn and the message persists.
	resp, err := env.svc.SubmitMessage(context.Background(), &chatsvc.SubmitMessageRequest{
		TaskID: task.ID, UserID: "user-1", Content: "follow up",
	})
	if err != nil {
		t.Fatalf("follow-up submit: %v", err)
	}
	if resp.Queued {
		t.Error("follow-up queued with no live turn")
	}

	env.waitIdle(t)
	waitFor(t, "follow-up turn completed", func() bool {
		return env.engine.callCount() == 2
	})
	if env.repo.lastByRole(task.ID, chat.RoleUser).Content != "follow up" {
		t.Error("follow-up message not persisted")
	}
}

func TestRapidResubmitNeverLosesMessages(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	ctx := context.Background()

	const rounds = 20
	for i := 0; i < 2*rounds; i++ {
		env.engine.addScript(fakeScript{events: []chatsvc.CompletionEvent{
			usageEvent(1, 1, chat.FinishReasonEndTurn),
		}})
	}

	// Each round submits a message and immediately resubmits while the first
	// turn may be anywhere between streaming and torn down. Whichever path
	// the second submission takes (queued, fresh, or refused-then-fresh),
	// both messages must run a turn and persist.
	for i := 0; i < rounds; i++ {
		if _, err := env.svc.SubmitMessage(ctx, &chatsvc.SubmitMessageRequest{
			TaskID: task.ID, UserID: "user-1", Content: "first",
		}); err != nil {
			t.Fatalf("round %d first submit: %v", i, err)
		}
		if _, err := env.svc.SubmitMessage(ctx, &chatsvc.SubmitMessageRequest{
			TaskID: task.ID, UserID: "user-1", Content: "second",
		}); err != nil {
			t.Fatalf("round %d second submit: %v", i, err)
		}

		target := 2 * (i + 1)
		waitFor(t, "both turns of the round to run", func() bool {
			return env.engine.callCount() == target && env.svc.sessions.count() == 0
		})
	}

	if got := env.repo.messageCount(task.ID); got != 2*rounds {
		t.Errorf("message count = %d, want %d", got, 2*rounds)
	}
}
