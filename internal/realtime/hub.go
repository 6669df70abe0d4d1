// Package realtime fans live stream events out to SSE clients.
package realtime

import (
	"context"
	"sync"
	"time"
)

// Hub manages the active Broadcaster instances.
//
// Design:
//   - One broadcaster per task with a live turn (keyed by task ID)
//   - Thread-safe access via RWMutex
//   - Background cleanup removes closed broadcasters after a retention period
//
// Lifecycle:
//  1. The orchestrator registers a broadcaster when a turn starts
//  2. SSE clients connect and get the broadcaster from the hub
//  3. The turn reaches a terminal state and the broadcaster closes
//  4. Cleanup removes closed broadcasters after the retention period, so
//     late subscribers can still attach briefly and drain catchup
type Hub struct {
	broadcasters map[string]*Broadcaster // taskID -> broadcaster
	mu           sync.RWMutex

	cleanupInterval time.Duration
	retentionPeriod time.Duration

	closeTimes map[string]time.Time // taskID -> close time
	timesMu    sync.Mutex
}

// NewHub creates a new Hub. Callers should run StartCleanup in a goroutine.
func NewHub(cleanupInterval, retentionPeriod time.Duration) *Hub {
	return &Hub{
		broadcasters:    make(map[string]*Broadcaster),
		cleanupInterval: cleanupInterval,
		retentionPeriod: retentionPeriod,
		closeTimes:      make(map[string]time.Time),
	}
}

// Register registers a broadcaster for a task.
// Returns false if one already exists for this task.
func (h *Hub) Register(taskID string, b *Broadcaster) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.broadcasters[taskID]; exists {
		return false
	}
	h.broadcasters[taskID] = b
	return true
}

// Get retrieves the broadcaster for a task.
// Returns nil if none exists.
func (h *Hub) Get(taskID string) *Broadcaster {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.broadcasters[taskID]
}

// MarkClosed records that a broadcaster reached its terminal state.
// Cleanup removes it once the retention period elapses.
func (h *Hub) MarkClosed(taskID string) {
	h.timesMu.Lock()
	defer h.timesMu.Unlock()

	h.closeTimes[taskID] = time.Now()
}

// Remove drops a broadcaster immediately, closing its clients.
// Safe to call even if the broadcaster doesn't exist.
func (h *Hub) Remove(taskID string) {
	h.mu.Lock()
	b := h.broadcasters[taskID]
	delete(h.broadcasters, taskID)
	h.mu.Unlock()

	if b != nil {
		b.Close()
	}

	h.timesMu.Lock()
	delete(h.closeTimes, taskID)
	h.timesMu.Unlock()
}

// StartCleanup runs the background cleanup loop until ctx is done.
func (h *Hub) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanup()
		}
	}
}

// cleanup removes broadcasters whose retention period has elapsed.
func (h *Hub) cleanup() {
	now := time.Now()

	var toRemove []string
	h.timesMu.Lock()
	for taskID, closedAt := range h.closeTimes {
		if now.Sub(closedAt) > h.retentionPeriod {
			toRemove = append(toRemove, taskID)
		}
	}
	h.timesMu.Unlock()

	for _, taskID := range toRemove {
		h.Remove(taskID)
	}
}

// Count returns the number of registered broadcasters.
// Useful for monitoring and testing.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.broadcasters)
}
