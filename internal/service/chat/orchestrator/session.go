package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/repositories"
)

// session is the live-turn state for one task: the cancellation handle, the
// stop flag the reducer loop polls, the one-slot queued action, and a done
// channel closed when teardown completes. At most one session exists per
// task at any time.
type session struct {
	taskID string
	model  string

	cancel context.CancelFunc
	stop   atomic.Bool

	// done is closed by the turn goroutine after full teardown. Interrupts
	// wait on it (with a grace timeout) instead of sleeping a fixed delay.
	done chan struct{}

	queuedMu sync.Mutex
	queued   *chat.QueuedAction
	// sealed is set by the teardown drain; later queue writes are refused.
	sealed bool
}

func newSession(taskID, model string, cancel context.CancelFunc) *session {
	return &session{
		taskID: taskID,
		model:  model,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// requestStop sets the stop flag and cancels the in-flight completion. The
// reducer loop checks the flag each iteration and exits classified Stopped.
func (s *session) requestStop() {
	s.stop.Store(true)
	s.cancel()
}

// setQueued replaces the queued slot. Last write wins; actions are never
// merged. Returns false once the slot is sealed: the caller raced the turn's
// teardown and must run the action itself.
func (s *session) setQueued(action *chat.QueuedAction) bool {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	if s.sealed {
		return false
	}
	s.queued = action
	return true
}

// drainQueued seals the slot and returns its content. Every setQueued after
// the drain is refused, so no action can land on a dead session.
func (s *session) drainQueued() *chat.QueuedAction {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	s.sealed = true
	action := s.queued
	s.queued = nil
	return action
}

// clearQueued discards the queued action, if any.
func (s *session) clearQueued() {
	s.setQueued(nil)
}

// queuedSummary returns the API summary of the slot, if occupied.
func (s *session) queuedSummary() (*chat.Summary, bool) {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	if s.queued == nil {
		return nil, false
	}
	summary := s.queued.Summarize()
	return &summary, true
}

// sessionStore is the injected registry of live sessions, keyed by task ID.
// Entries are removed on every terminal transition so memory stays bounded.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// get returns the live session for a task, if one exists.
func (st *sessionStore) get(taskID string) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[taskID]
	return s, ok
}

// put registers a session. Returns false when the task already has one.
func (st *sessionStore) put(s *session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[s.taskID]; exists {
		return false
	}
	st.sessions[s.taskID] = s
	return true
}

// remove drops the session only if it is still the registered one, so a
// stale teardown cannot evict a successor session for the same task.
func (st *sessionStore) remove(s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if current, ok := st.sessions[s.taskID]; ok && current == s {
		delete(st.sessions, s.taskID)
	}
}

// count returns the number of live sessions.
func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// passthroughTx runs the function without a transaction. Used when no
// transaction manager is injected.
type passthroughTx struct{}

func (passthroughTx) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	return fn(ctx)
}
