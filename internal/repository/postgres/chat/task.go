package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"relay/internal/domain"
	chatModels "relay/internal/domain/models/chat"
	chatRepo "relay/internal/domain/repositories/chat"
	"relay/internal/repository/postgres"
)

// PostgresTaskRepository implements the TaskRepository interface using PostgreSQL
type PostgresTaskRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewTaskRepository creates a new PostgresTaskRepository
func NewTaskRepository(config *postgres.RepositoryConfig) chatRepo.TaskRepository {
	return &PostgresTaskRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateTask creates a new task
func (r *PostgresTaskRepository) CreateTask(ctx context.Context, task *chatModels.Task) error {
	if task.Status == "" {
		task.Status = chatModels.TaskStatusIdle
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, title, parent_task_id, branch, workspace, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, r.tables.Tasks)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		task.UserID,
		task.Title,
		task.ParentTaskID,
		task.Branch,
		task.Workspace,
		task.Status,
		task.CreatedAt,
	).Scan(&task.ID, &task.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("parent task: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID
func (r *PostgresTaskRepository) GetTask(ctx context.Context, taskID string) (*chatModels.Task, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, title, parent_task_id, branch, workspace, status, created_at, updated_at
		FROM %s
		WHERE id = $1
	`, r.tables.Tasks)

	var task chatModels.Task
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.ParentTaskID,
		&task.Branch,
		&task.Workspace,
		&task.Status,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	return &task, nil
}

// ListTasksByUser returns the user's tasks, newest first
func (r *PostgresTaskRepository) ListTasksByUser(ctx context.Context, userID string) ([]chatModels.Task, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, title, parent_task_id, branch, workspace, status, created_at, updated_at
		FROM %s
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, r.tables.Tasks)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []chatModels.Task
	for rows.Next() {
		var task chatModels.Task
		if err := rows.Scan(
			&task.ID,
			&task.UserID,
			&task.Title,
			&task.ParentTaskID,
			&task.Branch,
			&task.Workspace,
			&task.Status,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus sets the task's status and bumps updated_at
func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, r.tables.Tasks)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, status, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	return nil
}

// DeleteTask removes a task; messages and checkpoints go with it via cascade
func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.tables.Tasks)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	return nil
}
