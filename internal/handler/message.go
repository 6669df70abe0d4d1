package handler

import (
	"log/slog"
	"net/http"

	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/httputil"
)

// MessageHandler handles HTTP requests for conversation turns: submitting
// messages, stopping live streams, editing history, and stacking tasks.
type MessageHandler struct {
	orchestrator chatsvc.Orchestrator
	tasks        *TaskHandler
	logger       *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(orchestrator chatsvc.Orchestrator, tasks *TaskHandler, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		orchestrator: orchestrator,
		tasks:        tasks,
		logger:       logger,
	}
}

// SubmitMessageBody is the body for POST /api/tasks/{id}/messages
type SubmitMessageBody struct {
	Content   string  `json:"content"`
	Model     *string `json:"model,omitempty"`
	Workspace *string `json:"workspace,omitempty"`
	Immediate bool    `json:"immediate"`
}

// SubmitMessage handles POST /api/tasks/{id}/messages. While a stream is
// live, immediate=false queues the message and immediate=true interrupts
// the live turn first.
func (h *MessageHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	task, ok := h.tasks.ownedTask(w, r)
	if !ok {
		return
	}

	var body SubmitMessageBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.orchestrator.SubmitMessage(r.Context(), &chatsvc.SubmitMessageRequest{
		TaskID:    task.ID,
		UserID:    httputil.GetUserID(r),
		Content:   body.Content,
		Model:     body.Model,
		Workspace: body.Workspace,
		Immediate: body.Immediate,
	})
	if err != nil {
		h.logger.Error("submit message", "task_id", task.ID, "error", err)
		handleError(w, err)
		return
	}

	if resp.Queued {
		httputil.RespondJSON(w, http.StatusAccepted, resp)
		return
	}
	httputil.RespondJSON(w, http.StatusCreated, resp)
}

// StopStream handles POST /api/tasks/{id}/stop. Requests the live turn to
// stop; a no-op when nothing is streaming.
func (h *MessageHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	task, ok := h.tasks.ownedTask(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.Stop(r.Context(), task.ID); err != nil {
		h.logger.Error("stop stream", "task_id", task.ID, "error", err)
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": task.ID,
		"status":  "stopping",
	})
}

// EditMessageBody is the body for PATCH /api/messages/{id}
type EditMessageBody struct {
	Content string  `json:"content"`
	Model   *string `json:"model,omitempty"`
}

// EditMessage handles PATCH /api/messages/{id}. Rewrites a prior user
// message, restores the workspace checkpoint it saw, discards everything
// after it, and replays from that point.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	var body EditMessageBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.orchestrator.EditMessage(r.Context(), &chatsvc.EditMessageRequest{
		MessageID: messageID,
		UserID:    httputil.GetUserID(r),
		Content:   body.Content,
		Model:     body.Model,
	})
	if err != nil {
		h.logger.Error("edit message", "message_id", messageID, "error", err)
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, resp)
}

// StackTaskBody is the body for POST /api/tasks/{id}/stack
type StackTaskBody struct {
	Content string  `json:"content"`
	Model   *string `json:"model,omitempty"`
}

// CreateStackedTask handles POST /api/tasks/{id}/stack. Derives a new task
// from the parent's branch and submits its first message. While the parent
// is streaming the request is queued instead.
func (h *MessageHandler) CreateStackedTask(w http.ResponseWriter, r *http.Request) {
	parent, ok := h.tasks.ownedTask(w, r)
	if !ok {
		return
	}

	var body StackTaskBody
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.orchestrator.CreateStackedTask(r.Context(), &chatsvc.CreateStackedTaskRequest{
		ParentTaskID: parent.ID,
		UserID:       httputil.GetUserID(r),
		Content:      body.Content,
		Model:        body.Model,
	})
	if err != nil {
		h.logger.Error("create stacked task", "parent_task_id", parent.ID, "error", err)
		handleError(w, err)
		return
	}

	// Parent is streaming: the stacked task is queued behind the live turn.
	if task == nil {
		httputil.RespondJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":         true,
			"parent_task_id": parent.ID,
		})
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, task)
}
