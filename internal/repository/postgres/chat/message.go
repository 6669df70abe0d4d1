package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"relay/internal/domain"
	chatModels "relay/internal/domain/models/chat"
	chatRepo "relay/internal/domain/repositories/chat"
	"relay/internal/repository/postgres"
)

// PostgresMessageRepository implements the MessageRepository interface using PostgreSQL
type PostgresMessageRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewMessageRepository creates a new PostgresMessageRepository
func NewMessageRepository(config *postgres.RepositoryConfig) chatRepo.MessageRepository {
	return &PostgresMessageRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// NextSequence atomically allocates the next sequence number for a task.
// The row lock taken by the insert serializes concurrent allocators, so two
// callers can never observe the same MAX(sequence).
func (r *PostgresMessageRepository) NextSequence(ctx context.Context, taskID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(sequence), 0) + 1
		FROM %s
		WHERE task_id = $1
	`, r.tables.Messages)

	var seq int
	executor := postgres.GetExecutor(ctx, r.pool)
	if err := executor.QueryRow(ctx, query, taskID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	return seq, nil
}

// CreateMessage inserts a message, allocating its sequence inside the same
// statement. The subselect and the insert run atomically, so concurrent
// writers to the same task get distinct sequence numbers; the UNIQUE
// (task_id, sequence) constraint backstops the invariant. A writer that
// still loses the allocation race retries once with a re-derived sequence
// before surfacing the conflict.
func (r *PostgresMessageRepository) CreateMessage(ctx context.Context, msg *chatModels.Message) error {
	parts, err := marshalParts(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			task_id, sequence, role, content, model, parts,
			input_tokens, output_tokens, finish_reason, streaming, edited_at, created_at
		)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM %s
		WHERE task_id = $1
		RETURNING id, sequence, created_at
	`, r.tables.Messages, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	for attempt := 0; ; attempt++ {
		err = executor.QueryRow(ctx, query,
			msg.TaskID,
			msg.Role,
			msg.Content,
			msg.Model,
			parts, // json.RawMessage -> JSONB (nil becomes NULL)
			msg.InputTokens,
			msg.OutputTokens,
			msg.FinishReason,
			msg.Streaming,
			msg.EditedAt,
			msg.CreatedAt,
		).Scan(&msg.ID, &msg.Sequence, &msg.CreatedAt)

		if err == nil {
			return nil
		}
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("task %s: %w", msg.TaskID, domain.ErrNotFound)
		}
		if postgres.IsPgDuplicateError(err) {
			if attempt == 0 {
				continue
			}
			return fmt.Errorf("sequence collision on task %s: %w", msg.TaskID, domain.ErrConflict)
		}
		return fmt.Errorf("create message: %w", err)
	}
}

// scanner defines the interface for row scanning (implemented by both pgx.Row and pgx.Rows)
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMessageRow scans a database row into a Message struct.
// Works with both pgx.Row (from QueryRow) and pgx.Rows (from Query).
func (r *PostgresMessageRepository) scanMessageRow(row scanner) (*chatModels.Message, error) {
	var msg chatModels.Message
	var parts []byte
	err := row.Scan(
		&msg.ID,
		&msg.TaskID,
		&msg.Sequence,
		&msg.Role,
		&msg.Content,
		&msg.Model,
		&parts, // JSONB -> raw bytes, decoded below
		&msg.InputTokens,
		&msg.OutputTokens,
		&msg.FinishReason,
		&msg.Streaming,
		&msg.EditedAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}
	}

	return &msg, nil
}

// GetMessage retrieves a message by ID
func (r *PostgresMessageRepository) GetMessage(ctx context.Context, messageID string) (*chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, task_id, sequence, role, content, model, parts,
		       input_tokens, output_tokens, finish_reason, streaming, edited_at, created_at
		FROM %s
		WHERE id = $1
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	msg, err := r.scanMessageRow(executor.QueryRow(ctx, query, messageID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	return msg, nil
}

// ListMessages returns the task's conversation log ordered by sequence.
// created_at breaks ties for rows predating the sequence column.
func (r *PostgresMessageRepository) ListMessages(ctx context.Context, taskID string) ([]chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, task_id, sequence, role, content, model, parts,
		       input_tokens, output_tokens, finish_reason, streaming, edited_at, created_at
		FROM %s
		WHERE task_id = $1
		ORDER BY sequence, created_at
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []chatModels.Message
	for rows.Next() {
		msg, err := r.scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Return empty slice if no messages found
	if messages == nil {
		messages = []chatModels.Message{}
	}

	return messages, nil
}

// UpdateMessage rewrites the mutable fields of a message. The parts snapshot
// replaces the stored one wholesale; partial part updates do not exist.
func (r *PostgresMessageRepository) UpdateMessage(ctx context.Context, update *chatRepo.MessageUpdate) error {
	parts, err := marshalParts(update.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET content = $1, parts = $2, model = $3, input_tokens = $4,
		    output_tokens = $5, finish_reason = $6, streaming = $7, edited_at = $8
		WHERE id = $9
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query,
		update.Content,
		parts, // json.RawMessage -> JSONB (nil becomes NULL)
		update.Model,
		update.InputTokens,
		update.OutputTokens,
		update.FinishReason,
		update.Streaming,
		update.EditedAt,
		update.ID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", update.ID, domain.ErrNotFound)
	}

	return nil
}

// DeleteMessagesAfter removes every message of the task with sequence
// strictly greater than the given value. Used by edit-and-replay to discard
// the superseded suffix of the conversation.
func (r *PostgresMessageRepository) DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE task_id = $1 AND sequence > $2
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, taskID, sequence)
	if err != nil {
		return 0, fmt.Errorf("delete messages after %d: %w", sequence, err)
	}

	return result.RowsAffected(), nil
}

// marshalParts encodes a part snapshot for JSONB storage. Empty snapshots
// store NULL rather than an empty array.
func marshalParts(parts chatModels.Parts) (json.RawMessage, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	return json.Marshal(parts)
}
