package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	chatrepo "relay/internal/domain/repositories/chat"
)

// pendingWrite is the per-turn debounced persistence slot. Scheduling
// replaces the stored snapshot (coalescing); the timer writes the latest
// snapshot once per interval at most. Flush is a first-class operation:
// it cancels the timer and writes synchronously.
//
// Thread-safety: all methods are safe for concurrent use, though in
// practice a single reducer goroutine schedules and flushes.
type pendingWrite struct {
	writer   chatrepo.MessageWriter
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	update  *chatrepo.MessageUpdate
	timer   *time.Timer
	stopped bool
}

// newPendingWrite creates an empty slot.
func newPendingWrite(writer chatrepo.MessageWriter, interval time.Duration, logger *slog.Logger) *pendingWrite {
	return &pendingWrite{
		writer:   writer,
		interval: interval,
		logger:   logger,
	}
}

// Schedule stores the snapshot and arms the timer if idle. A snapshot
// already waiting is replaced, never merged.
func (p *pendingWrite) Schedule(update *chatrepo.MessageUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	p.update = update
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval, p.fire)
	}
}

// fire is the timer callback: write whatever snapshot is current.
func (p *pendingWrite) fire() {
	p.mu.Lock()
	update := p.update
	p.update = nil
	p.timer = nil
	p.mu.Unlock()

	if update == nil {
		return
	}

	// Background write: a failed batched update is recovered by the next
	// snapshot or the terminal flush.
	if err := p.writer.UpdateMessage(context.Background(), update); err != nil {
		p.logger.Error("batched message update failed",
			"message_id", update.ID,
			"error", err,
		)
	}
}

// Flush cancels the timer and writes the pending snapshot synchronously.
// No-op when nothing is pending.
func (p *pendingWrite) Flush(ctx context.Context) error {
	p.mu.Lock()
	update := p.update
	p.update = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if update == nil {
		return nil
	}

	return p.writer.UpdateMessage(ctx, update)
}

// Stop cancels the timer and drops any pending snapshot.
func (p *pendingWrite) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	p.update = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
