package sse

import (
	"fmt"
	"net/http"
	"sync"
)

// SSEKeepAliveWriter implements KeepAliveWriter for SSE connections
// Writes SSE comment lines (: keepalive) to maintain the connection
// The mutex serializes keep-alive writes with event writes from the
// handler loop, since net/http ResponseWriters are not safe for
// concurrent use.
type SSEKeepAliveWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	mu       *sync.Mutex
	taskID   string
	clientID string
}

// NewSSEKeepAliveWriter creates a new SSE keep-alive writer
func NewSSEKeepAliveWriter(
	w http.ResponseWriter,
	flusher http.Flusher,
	mu *sync.Mutex,
	taskID string,
	clientID string,
) *SSEKeepAliveWriter {
	return &SSEKeepAliveWriter{
		w:        w,
		flusher:  flusher,
		mu:       mu,
		taskID:   taskID,
		clientID: clientID,
	}
}

// WriteKeepAlive writes an SSE comment (: keepalive\n\n) and flushes
// Returns error if connection is closed or write fails
func (s *SSEKeepAliveWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// SSE spec: lines starting with : are comments (ignored by client)
	if _, err := fmt.Fprintf(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}

	// Flush buffered data to client
	s.flusher.Flush()

	// Health check: attempt zero-byte write to detect closed connections
	if _, err := s.w.Write([]byte{}); err != nil {
		return fmt.Errorf("connection closed: %w", err)
	}

	return nil
}
