package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay/internal/domain"
	"relay/internal/domain/models"
	"relay/internal/domain/models/chat"
	chatrepo "relay/internal/domain/repositories/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/git"
)

// fakeMessageRepo is an in-memory MessageRepository. Sequence allocation
// mirrors the fused allocate-and-insert contract: distinct, strictly
// increasing per task under concurrent creates.
type fakeMessageRepo struct {
	mu       sync.Mutex
	nextID   int
	messages []*chat.Message
	updates  []*chatrepo.MessageUpdate

	createErr error
	updateErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{}
}

func (f *fakeMessageRepo) NextSequence(ctx context.Context, taskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSequenceLocked(taskID) + 1, nil
}

func (f *fakeMessageRepo) maxSequenceLocked(taskID string) int {
	max := 0
	for _, m := range f.messages {
		if m.TaskID == taskID && m.Sequence > max {
			max = m.Sequence
		}
	}
	return max
}

func (f *fakeMessageRepo) CreateMessage(ctx context.Context, msg *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}

	f.nextID++
	msg.ID = fmt.Sprintf("msg-%d", f.nextID)
	msg.Sequence = f.maxSequenceLocked(msg.TaskID) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := *msg
	stored.Parts = msg.Parts.Clone()
	f.messages = append(f.messages, &stored)
	return nil
}

func (f *fakeMessageRepo) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == messageID {
			out := *m
			out.Parts = m.Parts.Clone()
			return &out, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
}

func (f *fakeMessageRepo) ListMessages(ctx context.Context, taskID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []chat.Message{}
	for _, m := range f.messages {
		if m.TaskID == taskID {
			cp := *m
			cp.Parts = m.Parts.Clone()
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeMessageRepo) UpdateMessage(ctx context.Context, update *chatrepo.MessageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}

	for _, m := range f.messages {
		if m.ID == update.ID {
			m.Content = update.Content
			m.Parts = update.Parts.Clone()
			m.Model = update.Model
			m.InputTokens = update.InputTokens
			m.OutputTokens = update.OutputTokens
			m.FinishReason = update.FinishReason
			m.Streaming = update.Streaming
			if update.EditedAt != nil {
				m.EditedAt = update.EditedAt
			}
			f.updates = append(f.updates, update)
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", update.ID, domain.ErrNotFound)
}

func (f *fakeMessageRepo) DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []*chat.Message
	var deleted int64
	for _, m := range f.messages {
		if m.TaskID == taskID && m.Sequence > sequence {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return deleted, nil
}

func (f *fakeMessageRepo) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeMessageRepo) messageCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.TaskID == taskID {
			n++
		}
	}
	return n
}

// lastByRole returns the newest message of the role for a task.
func (f *fakeMessageRepo) lastByRole(taskID, role string) *chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *chat.Message
	for _, m := range f.messages {
		if m.TaskID == taskID && m.Role == role {
			if found == nil || m.Sequence > found.Sequence {
				found = m
			}
		}
	}
	if found == nil {
		return nil
	}
	out := *found
	out.Parts = found.Parts.Clone()
	return &out
}

// fakeTaskRepo is an in-memory TaskRepository recording status history.
type fakeTaskRepo struct {
	mu       sync.Mutex
	nextID   int
	tasks    map[string]*chat.Task
	statuses map[string][]string
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		tasks:    make(map[string]*chat.Task),
		statuses: make(map[string][]string),
	}
}

func (f *fakeTaskRepo) CreateTask(ctx context.Context, task *chat.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	task.ID = fmt.Sprintf("task-%d", f.nextID)
	if task.Status == "" {
		task.Status = chat.TaskStatusIdle
	}
	task.CreatedAt = time.Now()
	stored := *task
	f.tasks[task.ID] = &stored
	return nil
}

func (f *fakeTaskRepo) GetTask(ctx context.Context, taskID string) (*chat.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	out := *task
	return &out, nil
}

func (f *fakeTaskRepo) ListTasksByUser(ctx context.Context, userID string) ([]chat.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Task
	for _, task := range f.tasks {
		if task.UserID == userID {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	task.Status = status
	f.statuses[taskID] = append(f.statuses[taskID], status)
	return nil
}

func (f *fakeTaskRepo) DeleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeTaskRepo) status(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[taskID]; ok {
		return task.Status
	}
	return ""
}

func (f *fakeTaskRepo) statusHistory(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statuses[taskID]))
	copy(out, f.statuses[taskID])
	return out
}

// fakeCheckpointRepo is an in-memory CheckpointRepository. seqs maps message
// IDs to sequences so GetLatestCheckpointBefore can order checkpoints; tests
// seed it alongside the checkpoints.
type fakeCheckpointRepo struct {
	mu     sync.Mutex
	nextID int
	cps    []*chat.Checkpoint
	seqs   map[string]int
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{seqs: make(map[string]int)}
}

func (f *fakeCheckpointRepo) CreateCheckpoint(ctx context.Context, cp *chat.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp.ID = fmt.Sprintf("cp-%d", f.nextID)
	cp.CreatedAt = time.Now()
	stored := *cp
	f.cps = append(f.cps, &stored)
	return nil
}

func (f *fakeCheckpointRepo) GetCheckpointByMessage(ctx context.Context, messageID string) (*chat.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.cps) - 1; i >= 0; i-- {
		if f.cps[i].MessageID == messageID {
			out := *f.cps[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("checkpoint for message %s: %w", messageID, domain.ErrNotFound)
}

func (f *fakeCheckpointRepo) GetLatestCheckpointBefore(ctx context.Context, taskID string, sequence int) (*chat.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *chat.Checkpoint
	bestSeq := -1
	for _, cp := range f.cps {
		if cp.TaskID != taskID {
			continue
		}
		seq, ok := f.seqs[cp.MessageID]
		if !ok || seq >= sequence {
			continue
		}
		if seq > bestSeq {
			bestSeq = seq
			best = cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("checkpoint before sequence %d: %w", sequence, domain.ErrNotFound)
	}
	out := *best
	return &out, nil
}

func (f *fakeCheckpointRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cps)
}

// fakePrefsRepo is an in-memory UserPreferencesRepository.
type fakePrefsRepo struct {
	mu    sync.Mutex
	prefs map[string]*models.UserPreferences
}

func newFakePrefsRepo() *fakePrefsRepo {
	return &fakePrefsRepo{prefs: make(map[string]*models.UserPreferences)}
}

func (f *fakePrefsRepo) GetByUserID(ctx context.Context, userID string) (*models.UserPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prefs[userID]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (f *fakePrefsRepo) Upsert(ctx context.Context, prefs *models.UserPreferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *prefs
	f.prefs[prefs.UserID] = &stored
	return nil
}

// fakeScript is one scripted engine call. The goroutine waits on gate
// before emitting the event at index gateAfter, and on holdOpen after the
// last event, so tests can hold a turn live at a precise point.
type fakeScript struct {
	events    []chatsvc.CompletionEvent
	gateAfter int // -1 when unused
	gate      chan struct{}
	holdOpen  chan struct{}
}

// fakeEngine replays scripted event sequences, one script per call.
type fakeEngine struct {
	mu      sync.Mutex
	scripts []fakeScript
	calls   []*chatsvc.CompletionRequest

	commitMsg string
	commitErr error
}

func (e *fakeEngine) addScript(s fakeScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.gate == nil {
		s.gateAfter = -1
	}
	e.scripts = append(e.scripts, s)
}

func (e *fakeEngine) StreamCompletion(ctx context.Context, req *chatsvc.CompletionRequest) (<-chan chatsvc.CompletionEvent, error) {
	e.mu.Lock()
	reqCopy := *req
	e.calls = append(e.calls, &reqCopy)
	var script fakeScript
	script.gateAfter = -1
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	e.mu.Unlock()

	ch := make(chan chatsvc.CompletionEvent)
	go func() {
		defer close(ch)
		for i, ev := range script.events {
			if i == script.gateAfter && script.gate != nil {
				select {
				case <-script.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if script.holdOpen != nil {
			select {
			case <-script.holdOpen:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (e *fakeEngine) GenerateCommitMessage(ctx context.Context, model, diff string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitErr != nil {
		return "", e.commitErr
	}
	return e.commitMsg, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// fakeCommit records one Commit call on the fake runner.
type fakeCommit struct {
	message   string
	author    git.Identity
	coAuthors []git.Identity
}

// fakeRunner is an in-memory git.Runner recording mutating calls.
type fakeRunner struct {
	mu sync.Mutex

	hasChanges    bool
	diff          string
	headSHA       string
	currentBranch string

	commits  []fakeCommit
	resets   []string
	pushes   []string
	branches []string

	commitErr error
	resetErr  error
}

func (r *fakeRunner) Run(args ...string) (string, error) { return "", nil }

func (r *fakeRunner) CurrentBranch() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentBranch, nil
}

func (r *fakeRunner) CreateAndCheckoutBranch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches = append(r.branches, name)
	r.currentBranch = name
	return nil
}

func (r *fakeRunner) CheckoutBranch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentBranch = name
	return nil
}

func (r *fakeRunner) BranchExists(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.branches {
		if b == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRunner) Status() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasChanges {
		return " M file.go", nil
	}
	return "", nil
}

func (r *fakeRunner) HasChanges() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasChanges, nil
}

func (r *fakeRunner) Diff() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diff, nil
}

func (r *fakeRunner) AddAll() error { return nil }

func (r *fakeRunner) Commit(message string, author git.Identity, coAuthors ...git.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.commits = append(r.commits, fakeCommit{message: message, author: author, coAuthors: coAuthors})
	r.hasChanges = false
	return nil
}

func (r *fakeRunner) HeadSHA() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headSHA, nil
}

func (r *fakeRunner) ResetHard(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resetErr != nil {
		return r.resetErr
	}
	r.resets = append(r.resets, ref)
	return nil
}

func (r *fakeRunner) Push(branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, branch)
	return nil
}

func (r *fakeRunner) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

var _ git.Runner = (*fakeRunner)(nil)
