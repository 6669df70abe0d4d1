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

// PostgresCheckpointRepository implements the CheckpointRepository interface using PostgreSQL
type PostgresCheckpointRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewCheckpointRepository creates a new PostgresCheckpointRepository
func NewCheckpointRepository(config *postgres.RepositoryConfig) chatRepo.CheckpointRepository {
	return &PostgresCheckpointRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateCheckpoint inserts a checkpoint tied to an assistant message
func (r *PostgresCheckpointRepository) CreateCheckpoint(ctx context.Context, cp *chatModels.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (task_id, message_id, commit_sha, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, r.tables.Checkpoints)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		cp.TaskID,
		cp.MessageID,
		cp.CommitSHA,
		cp.CreatedAt,
	).Scan(&cp.ID, &cp.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("message %s: %w", cp.MessageID, domain.ErrNotFound)
		}
		return fmt.Errorf("create checkpoint: %w", err)
	}

	return nil
}

// GetCheckpointByMessage returns the checkpoint recorded for a message, if any
func (r *PostgresCheckpointRepository) GetCheckpointByMessage(ctx context.Context, messageID string) (*chatModels.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, task_id, message_id, commit_sha, created_at
		FROM %s
		WHERE message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, r.tables.Checkpoints)

	var cp chatModels.Checkpoint
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, messageID).Scan(
		&cp.ID,
		&cp.TaskID,
		&cp.MessageID,
		&cp.CommitSHA,
		&cp.CreatedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("checkpoint for message %s: %w", messageID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	return &cp, nil
}

// GetLatestCheckpointBefore returns the most recent checkpoint whose message
// has a sequence strictly below the given one. Edit-and-replay uses this to
// find the workspace state the edited message originally saw.
func (r *PostgresCheckpointRepository) GetLatestCheckpointBefore(ctx context.Context, taskID string, sequence int) (*chatModels.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT c.id, c.task_id, c.message_id, c.commit_sha, c.created_at
		FROM %s c
		JOIN %s m ON m.id = c.message_id
		WHERE c.task_id = $1 AND m.sequence < $2
		ORDER BY m.sequence DESC, c.created_at DESC
		LIMIT 1
	`, r.tables.Checkpoints, r.tables.Messages)

	var cp chatModels.Checkpoint
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, taskID, sequence).Scan(
		&cp.ID,
		&cp.TaskID,
		&cp.MessageID,
		&cp.CommitSHA,
		&cp.CreatedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("checkpoint before sequence %d: %w", sequence, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}

	return &cp, nil
}
