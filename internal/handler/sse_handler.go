package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"relay/internal/domain/models/chat"
	chatrepo "relay/internal/domain/repositories/chat"
	"relay/internal/handler/sse"
	"relay/internal/httputil"
	"relay/internal/realtime"
)

// SSEHandler streams task turn events to clients via Server-Sent Events.
// Live events come from the task's broadcaster; on (re)connect the client
// first gets a catchup of the in-flight assistant message's persisted parts,
// so a dropped connection loses nothing that reached the store.
type SSEHandler struct {
	hub      *realtime.Hub
	tasks    chatrepo.TaskRepository
	messages chatrepo.MessageReader
	config   *sse.Config
	logger   *slog.Logger
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(
	hub *realtime.Hub,
	tasks chatrepo.TaskRepository,
	messages chatrepo.MessageReader,
	config *sse.Config,
	logger *slog.Logger,
) *SSEHandler {
	if config == nil {
		config = sse.DefaultConfig()
	}
	return &SSEHandler{
		hub:      hub,
		tasks:    tasks,
		messages: messages,
		config:   config,
		logger:   logger,
	}
}

// StreamTask handles GET /api/tasks/{id}/stream
func (h *SSEHandler) StreamTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	userID := httputil.GetUserID(r)

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		handleError(w, err)
		return
	}
	if task.UserID != userID {
		httputil.RespondError(w, http.StatusForbidden, "task belongs to another user")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := uuid.New().String()
	log := h.logger.With("task_id", taskID, "client_id", clientID)
	log.Info("SSE connection established")

	var writeMu sync.Mutex
	write := func(event string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprint(w, event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	broadcaster := h.hub.Get(taskID)
	if broadcaster == nil {
		// No live turn. Replay the last assistant snapshot and close.
		h.sendSnapshot(w, r, task, write, log)
		return
	}

	eventChan := broadcaster.AddClient(clientID)
	defer func() {
		broadcaster.RemoveClient(clientID)
		log.Debug("SSE client removed")
	}()

	// Catchup: replay persisted parts of the in-flight message before
	// live events. Send targets only this client, so other listeners
	// never see duplicates.
	h.sendCatchup(r, broadcaster, clientID, taskID, log)

	keepAlive := sse.NewTickerKeepAlive(h.config.KeepAliveInterval)
	keepAliveWriter := sse.NewSSEKeepAliveWriter(w, flusher, &writeMu, taskID, clientID)
	keepAliveDone := keepAlive.Start(keepAliveWriter, log)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				// Broadcaster closed: turn is over.
				log.Debug("event channel closed, ending stream")
				return
			}
			if err := write(event); err != nil {
				log.Info("client disconnected during event write", "error", err)
				return
			}

		case <-keepAliveDone:
			// Keep-alive writer hit a dead connection.
			log.Info("client disconnected during keepalive")
			return

		case <-r.Context().Done():
			log.Debug("client context cancelled")
			return
		}
	}
}

// sendCatchup replays the persisted parts of the task's in-flight assistant
// message to one client. Failures downgrade to live-events-only.
func (h *SSEHandler) sendCatchup(r *http.Request, b *realtime.Broadcaster, clientID, taskID string, log *slog.Logger) {
	msg, err := h.latestAssistantMessage(r, taskID)
	if err != nil {
		log.Warn("catchup failed, client will receive live events only", "error", err)
		return
	}
	if msg == nil || !msg.Streaming {
		return
	}

	for i, part := range msg.Parts {
		event, err := chat.NewPartCatchupEvent(msg.ID, i, part)
		if err != nil {
			log.Warn("format catchup event", "part_index", i, "error", err)
			continue
		}
		b.Send(clientID, event)
	}
	log.Debug("catchup completed", "parts", len(msg.Parts))
}

// sendSnapshot serves a connection made when no turn is live: replay the
// last assistant message's parts and a terminal event, then close.
func (h *SSEHandler) sendSnapshot(w http.ResponseWriter, r *http.Request, task *chat.Task, write func(string) error, log *slog.Logger) {
	msg, err := h.latestAssistantMessage(r, task.ID)
	if err != nil {
		log.Warn("snapshot load failed", "error", err)
		return
	}
	if msg == nil {
		// Nothing to replay; tell the client there is no live stream.
		event, err := chat.NewStreamEndedEvent("", task.ID, task.Status, "", 0, 0)
		if err == nil {
			_ = write(event)
		}
		return
	}

	for i, part := range msg.Parts {
		event, err := chat.NewPartCatchupEvent(msg.ID, i, part)
		if err != nil {
			continue
		}
		if writeErr := write(event); writeErr != nil {
			return
		}
	}

	finishReason := ""
	if msg.FinishReason != nil {
		finishReason = *msg.FinishReason
	}
	inputTokens, outputTokens := 0, 0
	if msg.InputTokens != nil {
		inputTokens = *msg.InputTokens
	}
	if msg.OutputTokens != nil {
		outputTokens = *msg.OutputTokens
	}
	event, err := chat.NewStreamEndedEvent(msg.ID, task.ID, task.Status, finishReason, inputTokens, outputTokens)
	if err == nil {
		_ = write(event)
	}
	log.Debug("snapshot replayed", "message_id", msg.ID, "parts", len(msg.Parts))
}

// latestAssistantMessage returns the task's newest assistant message, or nil
// when the log has none.
func (h *SSEHandler) latestAssistantMessage(r *http.Request, taskID string) (*chat.Message, error) {
	messages, err := h.messages.ListMessages(r.Context(), taskID)
	if err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleAssistant {
			return &messages[i], nil
		}
	}
	return nil, nil
}
