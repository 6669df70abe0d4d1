// Package orchestrator drives task conversations end to end: user message
// persistence, streaming turn execution, interruption and one-slot queuing,
// edit-and-replay, and the post-completion git pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/domain/models/chat"
	"relay/internal/domain/repositories"
	chatrepo "relay/internal/domain/repositories/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/git"
	"relay/internal/realtime"
)

const (
	defaultFlushInterval  = 500 * time.Millisecond
	defaultInterruptGrace = 2 * time.Second
)

// systemPrompt frames every turn sent to the completion engine.
const systemPrompt = `You are Relay, a coding agent working inside a git repository.
Use the git_status, git_diff, and git_log tools to inspect the repository when they are available.
Make the changes the user asks for, keep responses concise, and describe what you changed.`

// Config wires the orchestrator's collaborators.
type Config struct {
	Engine      chatsvc.CompletionEngine
	Messages    chatrepo.MessageRepository
	Tasks       chatrepo.TaskRepository
	Checkpoints chatrepo.CheckpointRepository
	Preferences repositories.UserPreferencesRepository
	Hub         *realtime.Hub

	// Tx scopes multi-statement persistence (edit-and-replay) to one
	// transaction. Defaults to running statements directly.
	Tx repositories.TransactionManager

	// NewRunner builds a git runner rooted at a workspace path.
	// Defaults to git.NewRunner.
	NewRunner func(workspace string) git.Runner

	Logger *slog.Logger

	DefaultModel string
	// Agent is the commit author identity for automation commits.
	Agent git.Identity

	FlushInterval  time.Duration
	InterruptGrace time.Duration
}

// Service implements chatsvc.Orchestrator. One instance serves all tasks;
// per-task live state lives in the injected session store and is removed on
// every terminal transition.
type Service struct {
	engine      chatsvc.CompletionEngine
	messages    chatrepo.MessageRepository
	tasks       chatrepo.TaskRepository
	checkpoints chatrepo.CheckpointRepository
	prefs       repositories.UserPreferencesRepository
	hub         *realtime.Hub
	tx          repositories.TransactionManager
	newRunner   func(string) git.Runner
	logger      *slog.Logger

	sessions *sessionStore

	defaultModel   string
	agent          git.Identity
	flushInterval  time.Duration
	interruptGrace time.Duration
}

// NewService creates the orchestrator.
func NewService(cfg Config) *Service {
	if cfg.NewRunner == nil {
		cfg.NewRunner = func(workspace string) git.Runner {
			return git.NewRunner(workspace)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = defaultInterruptGrace
	}
	if cfg.Tx == nil {
		cfg.Tx = passthroughTx{}
	}

	return &Service{
		engine:         cfg.Engine,
		messages:       cfg.Messages,
		tasks:          cfg.Tasks,
		checkpoints:    cfg.Checkpoints,
		prefs:          cfg.Preferences,
		hub:            cfg.Hub,
		tx:             cfg.Tx,
		newRunner:      cfg.NewRunner,
		logger:         cfg.Logger,
		sessions:       newSessionStore(),
		defaultModel:   cfg.DefaultModel,
		agent:          cfg.Agent,
		flushInterval:  cfg.FlushInterval,
		interruptGrace: cfg.InterruptGrace,
	}
}

// SubmitMessage starts a new turn for the task. While a turn is live,
// immediate=false queues the message (one slot, last write wins) and
// immediate=true interrupts the live turn first.
func (s *Service) SubmitMessage(ctx context.Context, req *chatsvc.SubmitMessageRequest) (*chatsvc.SubmitMessageResponse, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.TaskID, validation.Required),
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Content, validation.Required, validation.Length(1, config.MaxMessageContentLength)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if sess, ok := s.sessions.get(task.ID); ok {
		if !req.Immediate {
			queued := sess.setQueued(&chat.QueuedAction{
				Kind: chat.QueuedKindMessage,
				Message: &chat.QueuedMessage{
					Content:   req.Content,
					Model:     req.Model,
					Workspace: req.Workspace,
				},
			})
			if queued {
				return &chatsvc.SubmitMessageResponse{Queued: true}, nil
			}
			// The turn sealed the slot between the lookup and the write.
			// Wait for its teardown and run the message as a fresh turn.
			<-sess.done
		} else {
			s.interrupt(sess)
		}
	}

	model := s.resolveModel(ctx, req.UserID, req.Model)

	userMsg := &chat.Message{
		TaskID:  task.ID,
		Role:    chat.RoleUser,
		Content: req.Content,
	}
	if err := s.messages.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	workspace := valueOr(req.Workspace, valueOr(task.Workspace, ""))
	if err := s.startTurn(ctx, task, req.UserID, model, workspace); err != nil {
		return nil, err
	}

	return &chatsvc.SubmitMessageResponse{
		UserMessage: userMsg,
		StreamURL:   streamURL(task.ID),
	}, nil
}

// Stop requests the live turn to stop. No-op when nothing is streaming.
func (s *Service) Stop(ctx context.Context, taskID string) error {
	if sess, ok := s.sessions.get(taskID); ok {
		sess.requestStop()
	}
	return nil
}

// EditMessage rewrites a prior user message in place, restores the
// checkpoint the message originally saw, deletes the superseded suffix of
// the conversation, and replays from that point as a fresh immediate turn.
// User-message persistence is skipped: the row was updated in place.
func (s *Service) EditMessage(ctx context.Context, req *chatsvc.EditMessageRequest) (*chatsvc.SubmitMessageResponse, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.MessageID, validation.Required),
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Content, validation.Required, validation.Length(1, config.MaxMessageContentLength)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	msg, err := s.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != chat.RoleUser {
		return nil, &domain.ValidationError{Message: "only user messages can be edited"}
	}

	task, err := s.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != req.UserID {
		return nil, &domain.ForbiddenError{Message: "task belongs to another user"}
	}

	if sess, ok := s.sessions.get(task.ID); ok {
		s.interrupt(sess)
	}

	model := req.Model
	if model == nil {
		model = msg.Model
	}
	resolved := s.resolveModel(ctx, req.UserID, model)

	if err := s.restoreCheckpoint(ctx, task, msg.Sequence); err != nil {
		return nil, err
	}

	// The rewrite and the suffix deletion land together or not at all.
	now := time.Now()
	err = s.tx.ExecTx(ctx, func(txCtx context.Context) error {
		if err := s.messages.UpdateMessage(txCtx, &chatrepo.MessageUpdate{
			ID:       msg.ID,
			Content:  req.Content,
			Model:    &resolved,
			EditedAt: &now,
		}); err != nil {
			return err
		}
		_, err := s.messages.DeleteMessagesAfter(txCtx, task.ID, msg.Sequence)
		return err
	})
	if err != nil {
		return nil, err
	}
	msg.Content = req.Content
	msg.Model = &resolved
	msg.EditedAt = &now

	workspace := valueOr(task.Workspace, "")
	if err := s.startTurn(ctx, task, req.UserID, resolved, workspace); err != nil {
		return nil, err
	}

	return &chatsvc.SubmitMessageResponse{
		UserMessage: msg,
		StreamURL:   streamURL(task.ID),
	}, nil
}

// restoreCheckpoint resets the workspace to the latest checkpoint recorded
// before the given sequence. No checkpoint means nothing to restore.
func (s *Service) restoreCheckpoint(ctx context.Context, task *chat.Task, sequence int) error {
	if task.Workspace == nil {
		return nil
	}

	cp, err := s.checkpoints.GetLatestCheckpointBefore(ctx, task.ID, sequence)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	runner := s.newRunner(*task.Workspace)
	if err := runner.ResetHard(cp.CommitSHA); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", cp.CommitSHA, err)
	}

	s.logger.Info("workspace restored to checkpoint",
		"task_id", task.ID,
		"commit_sha", cp.CommitSHA,
	)
	return nil
}

// CreateStackedTask derives a new task from the parent's current branch and
// submits its first message. While the parent is still streaming, the
// request is queued instead and a nil task is returned.
func (s *Service) CreateStackedTask(ctx context.Context, req *chatsvc.CreateStackedTaskRequest) (*chat.Task, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.ParentTaskID, validation.Required),
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Content, validation.Required, validation.Length(1, config.MaxMessageContentLength)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	parent, err := s.tasks.GetTask(ctx, req.ParentTaskID)
	if err != nil {
		return nil, err
	}

	if sess, ok := s.sessions.get(parent.ID); ok {
		queued := sess.setQueued(&chat.QueuedAction{
			Kind: chat.QueuedKindStackedTask,
			StackedTask: &chat.QueuedStackedTask{
				Content:      req.Content,
				ParentTaskID: parent.ID,
				Model:        req.Model,
				UserID:       req.UserID,
			},
		})
		if queued {
			return nil, nil
		}
		// The parent's turn sealed the slot between the lookup and the
		// write. Wait for its teardown and create the task now.
		<-sess.done
	}

	branch := "relay/stack-" + uuid.NewString()[:8]
	if parent.Workspace != nil {
		runner := s.newRunner(*parent.Workspace)
		if err := runner.CreateAndCheckoutBranch(branch); err != nil {
			return nil, fmt.Errorf("create stacked branch: %w", err)
		}
	}

	task := &chat.Task{
		UserID:       req.UserID,
		Title:        deriveTitle(req.Content),
		ParentTaskID: &parent.ID,
		Branch:       &branch,
		Workspace:    parent.Workspace,
		Status:       chat.TaskStatusIdle,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if _, err := s.SubmitMessage(ctx, &chatsvc.SubmitMessageRequest{
		TaskID:  task.ID,
		UserID:  req.UserID,
		Content: req.Content,
		Model:   req.Model,
	}); err != nil {
		return nil, err
	}

	return task, nil
}

// QueuedAction returns the summary of the task's queued slot, if occupied.
func (s *Service) QueuedAction(taskID string) (*chat.Summary, bool) {
	sess, ok := s.sessions.get(taskID)
	if !ok {
		return nil, false
	}
	return sess.queuedSummary()
}

// Cleanup releases all session resources for a task: stops any live turn,
// discards the queued action, and drops the broadcaster. Idempotent.
func (s *Service) Cleanup(ctx context.Context, taskID string) error {
	if sess, ok := s.sessions.get(taskID); ok {
		sess.clearQueued()
		sess.requestStop()
		select {
		case <-sess.done:
		case <-time.After(s.interruptGrace):
			s.logger.Warn("cleanup grace elapsed before teardown", "task_id", taskID)
		}
		s.sessions.remove(sess)
	}

	s.hub.Remove(taskID)
	return nil
}

// interrupt stops a live turn and waits for its teardown acknowledgment,
// falling back to the grace timeout if teardown stalls. The queued slot is
// discarded: the interrupting message supersedes it.
func (s *Service) interrupt(sess *session) {
	sess.clearQueued()
	sess.requestStop()

	select {
	case <-sess.done:
	case <-time.After(s.interruptGrace):
		s.logger.Warn("interrupt grace elapsed before teardown", "task_id", sess.taskID)
	}
}

// startTurn registers the session and broadcaster, marks the task
// streaming, and launches the turn goroutine.
func (s *Service) startTurn(ctx context.Context, task *chat.Task, userID, model, workspace string) error {
	turnCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(task.ID, model, cancel)
	if !s.sessions.put(sess) {
		cancel()
		return &domain.ConflictError{
			Message:      "task already has a live turn",
			ResourceType: "task",
			ResourceID:   task.ID,
		}
	}

	// Replace any retained broadcaster from the previous turn.
	s.hub.Remove(task.ID)
	broadcaster := realtime.NewBroadcaster(task.ID)
	s.hub.Register(task.ID, broadcaster)

	if err := s.tasks.UpdateTaskStatus(ctx, task.ID, chat.TaskStatusStreaming); err != nil {
		s.sessions.remove(sess)
		s.hub.Remove(task.ID)
		cancel()
		return err
	}

	go s.runTurn(turnCtx, sess, broadcaster, task, userID, model, workspace)
	return nil
}

// runTurn owns one streaming turn from engine start to terminal state. It
// consumes the event sequence cooperatively (one event at a time, including
// any synchronous write) and guarantees teardown acknowledgment via the
// session's done channel.
func (s *Service) runTurn(
	ctx context.Context,
	sess *session,
	broadcaster *realtime.Broadcaster,
	task *chat.Task,
	userID, model, workspace string,
) {
	defer sess.cancel()

	// Terminal writes must survive the turn's cancellation.
	persistCtx := context.WithoutCancel(ctx)

	pending := newPendingWrite(s.messages, s.flushInterval, s.logger)
	reducer := newTurnReducer(task, model, s.messages, pending, broadcaster, s.logger)

	var (
		failed  bool
		stopped bool
	)

	defer func() {
		if rec := recover(); rec != nil {
			failed = true
			pending.Stop()
			s.logger.Error("panic during turn", "task_id", task.ID, "panic", rec)
			s.setTaskStatus(persistCtx, task.ID, chat.TaskStatusFailed)
			if event, err := chat.NewStreamErroredEvent(reducer.messageID(), task.ID, "internal error during turn"); err == nil {
				broadcaster.Broadcast(event)
			}
		}

		// The drain seals the slot: a submit racing this teardown is
		// refused and runs its own turn instead. A queued action is never
		// processed after a failure.
		queued := sess.drainQueued()
		if failed {
			queued = nil
		}
		if queued != nil {
			if event, err := chat.NewQueuedProcessingEvent(task.ID, queued.Kind); err == nil {
				broadcaster.Broadcast(event)
			}
		}

		s.hub.MarkClosed(task.ID)
		s.sessions.remove(sess)
		close(sess.done)

		if queued != nil {
			s.processQueued(persistCtx, task, userID, queued)
		}
	}()

	history, err := s.messages.ListMessages(persistCtx, task.ID)
	if err != nil {
		failed = true
		s.failTurn(persistCtx, reducer, task, fmt.Errorf("load history: %w", err))
		return
	}

	events, err := s.engine.StreamCompletion(ctx, &chatsvc.CompletionRequest{
		System:       systemPrompt,
		Messages:     history,
		Model:        model,
		ToolsEnabled: workspace != "",
		TaskID:       task.ID,
		Workspace:    workspace,
	})
	if err != nil {
		failed = true
		s.failTurn(persistCtx, reducer, task, err)
		return
	}

	for ev := range events {
		if sess.stop.Load() {
			stopped = true
			break
		}

		if ev.Kind == chatsvc.EventError {
			failed = true
			s.failTurn(persistCtx, reducer, task, ev.Err)
			return
		}

		if err := reducer.handle(persistCtx, ev); err != nil {
			failed = true
			s.failTurn(persistCtx, reducer, task, err)
			return
		}
	}

	// The engine closes its channel silently on cancellation.
	if !stopped && (sess.stop.Load() || ctx.Err() != nil) {
		stopped = true
	}

	reason, err := reducer.finalize(persistCtx, stopped)
	if err != nil {
		failed = true
		s.failTurn(persistCtx, reducer, task, err)
		return
	}

	status := chat.TaskStatusCompleted
	if stopped {
		status = chat.TaskStatusStopped
	}
	s.setTaskStatus(persistCtx, task.ID, status)

	var inTokens, outTokens int
	if reducer.usage != nil {
		inTokens = reducer.usage.InputTokens
		outTokens = reducer.usage.OutputTokens
	}
	if event, err := chat.NewStreamEndedEvent(reducer.messageID(), task.ID, status, reason, inTokens, outTokens); err == nil {
		broadcaster.Broadcast(event)
	}

	if !stopped && reducer.msg != nil {
		s.runAutomation(persistCtx, task, userID, model, reducer.msg)
	}
}

// failTurn runs the error policy: error part, immediate terminal write,
// task status failed, stream_errored broadcast.
func (s *Service) failTurn(ctx context.Context, reducer *turnReducer, task *chat.Task, cause error) {
	if err := reducer.fail(ctx, cause); err != nil {
		s.logger.Error("turn failed", "task_id", task.ID, "error", err)
	}
	s.setTaskStatus(ctx, task.ID, chat.TaskStatusFailed)
}

// processQueued dispatches the dequeued action as fresh work after the
// just-finished turn's full teardown.
func (s *Service) processQueued(ctx context.Context, task *chat.Task, userID string, action *chat.QueuedAction) {
	switch action.Kind {
	case chat.QueuedKindMessage:
		if action.Message == nil {
			return
		}
		_, err := s.SubmitMessage(ctx, &chatsvc.SubmitMessageRequest{
			TaskID:    task.ID,
			UserID:    userID,
			Content:   action.Message.Content,
			Model:     action.Message.Model,
			Workspace: action.Message.Workspace,
		})
		if err != nil {
			s.logger.Error("queued message failed", "task_id", task.ID, "error", err)
		}
	case chat.QueuedKindStackedTask:
		if action.StackedTask == nil {
			return
		}
		_, err := s.CreateStackedTask(ctx, &chatsvc.CreateStackedTaskRequest{
			ParentTaskID: action.StackedTask.ParentTaskID,
			UserID:       action.StackedTask.UserID,
			Content:      action.StackedTask.Content,
			Model:        action.StackedTask.Model,
		})
		if err != nil {
			s.logger.Error("queued stacked task failed", "task_id", task.ID, "error", err)
		}
	default:
		s.logger.Warn("unknown queued action kind", "task_id", task.ID, "kind", action.Kind)
	}
}

// setTaskStatus updates task status, logging failures instead of
// propagating them: the turn's terminal classification already happened.
func (s *Service) setTaskStatus(ctx context.Context, taskID, status string) {
	if err := s.tasks.UpdateTaskStatus(ctx, taskID, status); err != nil {
		s.logger.Error("update task status", "task_id", taskID, "status", status, "error", err)
	}
}

// resolveModel picks the model for a turn: explicit override, then the
// user's preferred default, then the configured default.
func (s *Service) resolveModel(ctx context.Context, userID string, override *string) string {
	if override != nil && *override != "" {
		return *override
	}
	if prefs, err := s.prefs.GetByUserID(ctx, userID); err == nil && prefs != nil && prefs.DefaultModel != nil && *prefs.DefaultModel != "" {
		return *prefs.DefaultModel
	}
	return s.defaultModel
}

func streamURL(taskID string) string {
	return "/api/tasks/" + taskID + "/stream"
}

// deriveTitle builds a task title from the first line of the content.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

func valueOr[T any](ptr *T, fallback T) T {
	if ptr != nil {
		return *ptr
	}
	return fallback
}

// Verify Service implements Orchestrator at compile time.
var _ chatsvc.Orchestrator = (*Service)(nil)
