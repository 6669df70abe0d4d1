package handler

import (
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/domain/models/chat"
	chatrepo "relay/internal/domain/repositories/chat"
	chatsvc "relay/internal/domain/services/chat"
	"relay/internal/httputil"
)

// TaskHandler handles HTTP requests for tasks and their message logs
type TaskHandler struct {
	tasks        chatrepo.TaskRepository
	messages     chatrepo.MessageReader
	orchestrator chatsvc.Orchestrator
	logger       *slog.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(
	tasks chatrepo.TaskRepository,
	messages chatrepo.MessageReader,
	orchestrator chatsvc.Orchestrator,
	logger *slog.Logger,
) *TaskHandler {
	return &TaskHandler{
		tasks:        tasks,
		messages:     messages,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// HealthCheck handles GET /health
func (h *TaskHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	})
}

// CreateTaskRequest is the body for POST /api/tasks
type CreateTaskRequest struct {
	Title     string  `json:"title"`
	Workspace *string `json:"workspace,omitempty"`
	Branch    *string `json:"branch,omitempty"`
}

// Validate implements request validation
func (r CreateTaskRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, config.MaxTaskTitleLength)),
		validation.Field(&r.Workspace, validation.Length(0, config.MaxWorkspacePathLength)),
		validation.Field(&r.Branch, validation.Length(0, config.MaxBranchNameLength)),
	)
}

// CreateTask handles POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var req CreateTaskRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := &chat.Task{
		UserID:    userID,
		Title:     req.Title,
		Workspace: req.Workspace,
		Branch:    req.Branch,
		Status:    chat.TaskStatusIdle,
	}
	if err := h.tasks.CreateTask(r.Context(), task); err != nil {
		h.logger.Error("create task", "user_id", userID, "error", err)
		handleError(w, err)
		return
	}

	h.logger.Info("task created", "task_id", task.ID, "user_id", userID)
	httputil.RespondJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	tasks, err := h.tasks.ListTasksByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list tasks", "user_id", userID, "error", err)
		handleError(w, err)
		return
	}
	if tasks == nil {
		tasks = []chat.Task{}
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
	})
}

// GetTask handles GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	httputil.RespondJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /api/tasks/{id}. Any live stream is stopped and
// its session resources released before the rows go away.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.Cleanup(r.Context(), task.ID); err != nil {
		h.logger.Error("cleanup before delete", "task_id", task.ID, "error", err)
		handleError(w, err)
		return
	}
	if err := h.tasks.DeleteTask(r.Context(), task.ID); err != nil {
		h.logger.Error("delete task", "task_id", task.ID, "error", err)
		handleError(w, err)
		return
	}

	h.logger.Info("task deleted", "task_id", task.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /api/tasks/{id}/messages
func (h *TaskHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	messages, err := h.messages.ListMessages(r.Context(), task.ID)
	if err != nil {
		h.logger.Error("list messages", "task_id", task.ID, "error", err)
		handleError(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":  task.ID,
		"messages": messages,
	})
}

// GetQueuedAction handles GET /api/tasks/{id}/queued. Reports what sits in
// the task's one-slot queue, if anything.
func (h *TaskHandler) GetQueuedAction(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	summary, queued := h.orchestrator.QueuedAction(task.ID)
	if !queued {
		httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"queued": false,
		})
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"queued": true,
		"action": summary,
	})
}

// ownedTask loads the task from the path and enforces ownership. Writes the
// error response itself when the task is missing or owned by someone else.
func (h *TaskHandler) ownedTask(w http.ResponseWriter, r *http.Request) (*chat.Task, bool) {
	taskID := r.PathValue("id")
	userID := httputil.GetUserID(r)

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		handleError(w, err)
		return nil, false
	}
	if task.UserID != userID {
		handleError(w, &domain.ForbiddenError{Message: "task belongs to another user"})
		return nil, false
	}

	return task, true
}
