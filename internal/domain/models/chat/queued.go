package chat

// Queued action kinds
const (
	QueuedKindMessage     = "message"
	QueuedKindStackedTask = "stacked_task"
)

// QueuedMessage is a follow-up message waiting for the live turn to finish.
type QueuedMessage struct {
	Content   string  `json:"content"`
	Model     *string `json:"model,omitempty"`
	Workspace *string `json:"workspace,omitempty"`
}

// QueuedStackedTask is a request to derive a new task from this one once the
// live turn finishes.
type QueuedStackedTask struct {
	Content      string  `json:"content"`
	ParentTaskID string  `json:"parent_task_id"`
	Model        *string `json:"model,omitempty"`
	UserID       string  `json:"user_id"`
}

// QueuedAction is the one-slot tagged union held per session. Exactly one of
// Message or StackedTask is non-nil, matching Kind. A new queue request
// overwrites the slot; actions are never merged.
type QueuedAction struct {
	Kind        string             `json:"kind"`
	Message     *QueuedMessage     `json:"message,omitempty"`
	StackedTask *QueuedStackedTask `json:"stacked_task,omitempty"`
}

// Summary is the caller-facing view of the queued slot.
type Summary struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Summarize returns the API summary for the action.
func (qa *QueuedAction) Summarize() Summary {
	s := Summary{Kind: qa.Kind}
	switch qa.Kind {
	case QueuedKindMessage:
		if qa.Message != nil {
			s.Content = qa.Message.Content
		}
	case QueuedKindStackedTask:
		if qa.StackedTask != nil {
			s.Content = qa.StackedTask.Content
		}
	}
	return s
}
