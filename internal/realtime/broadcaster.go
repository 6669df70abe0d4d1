package realtime

import (
	"sync"
)

// clientBufferSize is the per-client event channel depth. A slow reader
// drops events rather than stalling the stream; the persisted snapshot
// covers the gap on reconnect.
const clientBufferSize = 64

// Broadcaster fans one task's live event stream out to every connected
// SSE client. One broadcaster per task with a live turn.
//
// Thread-safety: all methods are safe for concurrent use.
type Broadcaster struct {
	taskID string

	clients   map[string]chan string // clientID -> event channel
	clientsMu sync.RWMutex
	closed    bool
}

// NewBroadcaster creates a broadcaster for the given task.
func NewBroadcaster(taskID string) *Broadcaster {
	return &Broadcaster{
		taskID:  taskID,
		clients: make(map[string]chan string),
	}
}

// TaskID returns the task this broadcaster serves.
func (b *Broadcaster) TaskID() string {
	return b.taskID
}

// AddClient registers a new SSE client.
// Returns a channel that receives SSE-formatted event strings. The channel
// closes when the client is removed or the broadcaster shuts down. Returns
// a closed channel if the broadcaster has already shut down.
func (b *Broadcaster) AddClient(clientID string) <-chan string {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	eventChan := make(chan string, clientBufferSize)
	if b.closed {
		close(eventChan)
		return eventChan
	}
	b.clients[clientID] = eventChan

	return eventChan
}

// RemoveClient unregisters an SSE client. Safe to call twice.
func (b *Broadcaster) RemoveClient(clientID string) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	if ch, exists := b.clients[clientID]; exists {
		close(ch)
		delete(b.clients, clientID)
	}
}

// Send pushes a catchup event to a single client. No-op if the client is
// gone or its buffer is full.
func (b *Broadcaster) Send(clientID, event string) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	ch, exists := b.clients[clientID]
	if !exists {
		return
	}
	select {
	case ch <- event:
	default:
	}
}

// Broadcast pushes an event to every connected client. Clients with full
// buffers are skipped; they recover via catchup on reconnect.
func (b *Broadcaster) Broadcast(event string) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for _, ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the broadcaster down, closing every client channel.
// Idempotent.
func (b *Broadcaster) Close() {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for clientID, ch := range b.clients {
		close(ch)
		delete(b.clients, clientID)
	}
}

// ClientCount returns the number of connected clients.
// Useful for monitoring and testing.
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	return len(b.clients)
}
