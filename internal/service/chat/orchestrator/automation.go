package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"relay/internal/domain"
	"relay/internal/domain/models/chat"
	"relay/internal/git"
)

// fallbackCommitMessage is used when the engine cannot derive one from the diff.
const fallbackCommitMessage = "Apply agent changes"

// runAutomation is the post-completion pipeline: detect working-tree
// changes, commit them as the agent with the user as co-author, optionally
// push a change proposal, and record a checkpoint tied to the assistant
// message. Runs only after a successful, non-stopped turn. Every step is
// independently failable: errors are logged and swallowed, never failing
// the turn.
func (s *Service) runAutomation(ctx context.Context, task *chat.Task, userID, model string, msg *chat.Message) {
	if task.Workspace == nil || *task.Workspace == "" {
		return
	}
	runner := s.newRunner(*task.Workspace)
	log := s.logger.With("task_id", task.ID, "message_id", msg.ID)

	changed, err := runner.HasChanges()
	if err != nil {
		log.Error("automation: detect changes", "error", err)
		return
	}
	if !changed {
		return
	}

	if err := runner.AddAll(); err != nil {
		log.Error("automation: stage changes", "error", err)
		return
	}

	commitMsg := fallbackCommitMessage
	if diff, err := runner.Diff(); err != nil {
		log.Warn("automation: diff for commit message", "error", err)
	} else if generated, err := s.engine.GenerateCommitMessage(ctx, model, diff); err != nil {
		log.Warn("automation: generate commit message", "error", err)
	} else {
		commitMsg = generated
	}

	coAuthor := git.Identity{
		Name:  userID,
		Email: userID + "@users.noreply.relay.dev",
	}
	if err := runner.Commit(commitMsg, s.agent, coAuthor); err != nil {
		log.Error("automation: commit", "error", err)
		return
	}
	log.Info("automation: committed changes", "message", commitMsg)

	s.maybeCreateProposal(ctx, task, userID, runner, log)

	sha, err := runner.HeadSHA()
	if err != nil {
		log.Error("automation: resolve head", "error", err)
		return
	}
	if err := s.checkpoints.CreateCheckpoint(ctx, &chat.Checkpoint{
		TaskID:    task.ID,
		MessageID: msg.ID,
		CommitSHA: sha,
	}); err != nil {
		log.Error("automation: create checkpoint", "error", err)
		return
	}
	log.Info("automation: checkpoint recorded", "commit_sha", sha)
}

// maybeCreateProposal pushes the task branch as a change proposal when the
// user's preferences enable it.
func (s *Service) maybeCreateProposal(ctx context.Context, task *chat.Task, userID string, runner git.Runner, log *slog.Logger) {
	prefs, err := s.prefs.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("automation: load preferences", "error", err)
		}
		return
	}
	if prefs == nil || !prefs.AutoCreateProposal {
		return
	}

	branch := ""
	if task.Branch != nil {
		branch = *task.Branch
	}
	if branch == "" {
		current, err := runner.CurrentBranch()
		if err != nil {
			log.Warn("automation: resolve branch for proposal", "error", err)
			return
		}
		branch = current
	}

	if err := runner.Push(branch); err != nil {
		log.Error("automation: push proposal", "branch", branch, "error", err)
		return
	}
	log.Info("automation: proposal pushed", "branch", branch)
}
