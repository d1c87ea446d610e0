package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"assessment-gateway/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository implements TaskRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		client_key TEXT NOT NULL,
		idempotency_key TEXT,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		next_retry_at INTEGER,
		result TEXT,
		error TEXT,
		leased_at INTEGER,
		lease_expires_at INTEGER,
		correlation_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(client_key, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_next_retry ON tasks(next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_lease_expires ON tasks(lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_client_key ON tasks(client_key);
	`

	_, err := r.db.Exec(schema)
	return err
}

const taskColumns = `id, client_key, idempotency_key, payload, status, attempt_count, max_attempts,
       next_retry_at, result, error, leased_at, lease_expires_at, correlation_id, created_at, updated_at`

// ErrDuplicateIdempotencyKey is returned when a task with the same
// idempotency key already exists for the client
type ErrDuplicateIdempotencyKey struct {
	ClientKey      string
	IdempotencyKey string
}

func (e *ErrDuplicateIdempotencyKey) Error() string {
	return fmt.Sprintf("task with idempotency_key %s already exists for client %s", e.IdempotencyKey, e.ClientKey)
}

// CreateTask creates a new task
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *models.TaskRecord) error {
	query := `
		INSERT INTO tasks (id, client_key, idempotency_key, payload, status, attempt_count, max_attempts, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	// Convert empty string to NULL for idempotency_key.
	// SQLite allows multiple NULLs in a UNIQUE constraint, but not multiple empty strings.
	var idempotencyKey interface{}
	if task.IdempotencyKey != "" {
		idempotencyKey = task.IdempotencyKey
	}

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.ClientKey,
		idempotencyKey,
		task.Payload,
		task.Status,
		task.AttemptCount,
		task.MaxAttempts,
		task.CorrelationID,
		task.CreatedAt.Unix(),
		task.UpdatedAt.Unix(),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && task.IdempotencyKey != "" {
			return &ErrDuplicateIdempotencyKey{ClientKey: task.ClientKey, IdempotencyKey: task.IdempotencyKey}
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// scanner abstracts sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTask reads one task row
func scanTask(s scanner) (*models.TaskRecord, error) {
	var task models.TaskRecord
	var idempotencyKey, result, taskErr, correlationID sql.NullString
	var nextRetryAt, leasedAt, leaseExpiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&task.ID,
		&task.ClientKey,
		&idempotencyKey,
		&task.Payload,
		&task.Status,
		&task.AttemptCount,
		&task.MaxAttempts,
		&nextRetryAt,
		&result,
		&taskErr,
		&leasedAt,
		&leaseExpiresAt,
		&correlationID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.IdempotencyKey = idempotencyKey.String
	task.CorrelationID = correlationID.String
	if result.Valid {
		task.Result = &result.String
	}
	if taskErr.Valid {
		task.Error = &taskErr.String
	}
	if nextRetryAt.Valid {
		t := time.Unix(nextRetryAt.Int64, 0)
		task.NextRetryAt = &t
	}
	if leasedAt.Valid {
		t := time.Unix(leasedAt.Int64, 0)
		task.LeasedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := time.Unix(leaseExpiresAt.Int64, 0)
		task.LeaseExpiresAt = &t
	}
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)

	return &task, nil
}

// GetTaskByID retrieves a task by ID
func (r *SQLiteRepository) GetTaskByID(ctx context.Context, id string) (*models.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// GetTaskByClientAndIdempotencyKey retrieves a task by client key and
// idempotency key. Returns nil when no such task exists.
func (r *SQLiteRepository) GetTaskByClientAndIdempotencyKey(ctx context.Context, clientKey, idempotencyKey string) (*models.TaskRecord, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE client_key = ? AND idempotency_key = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, clientKey, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus retrieves all tasks with a specific status
func (r *SQLiteRepository) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// LeaseDueTask leases the oldest due task for processing using a transaction
func (r *SQLiteRepository) LeaseDueTask(ctx context.Context, now time.Time, leaseDuration time.Duration) (*models.TaskRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowUnix := now.Unix()
	expiresAt := now.Add(leaseDuration)

	// Find a task that can be leased:
	// - PENDING tasks
	// - RETRYING tasks whose retry time has arrived
	// - RUNNING tasks whose lease has expired (worker crashed mid-attempt)
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PENDING'
		   OR (status = 'RETRYING' AND next_retry_at <= ?)
		   OR (status = 'RUNNING' AND lease_expires_at < ?)
		ORDER BY created_at ASC
		LIMIT 1
	`

	task, err := scanTask(tx.QueryRowContext(ctx, query, nowUnix, nowUnix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find leasable task: %w", err)
	}

	updateQuery := `
		UPDATE tasks
		SET status = 'RUNNING',
		    next_retry_at = NULL,
		    leased_at = ?,
		    lease_expires_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	if _, err := tx.ExecContext(ctx, updateQuery, nowUnix, expiresAt.Unix(), nowUnix, task.ID); err != nil {
		return nil, fmt.Errorf("failed to update task lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	task.Status = models.StatusRunning
	task.NextRetryAt = nil
	task.LeasedAt = &now
	task.LeaseExpiresAt = &expiresAt
	task.UpdatedAt = now

	return task, nil
}

// terminalGuard keeps terminal records immutable
const terminalGuard = `status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`

// MarkSucceeded records a successful attempt
func (r *SQLiteRepository) MarkSucceeded(ctx context.Context, id string, result string, attemptCount int) error {
	query := `
		UPDATE tasks
		SET status = 'SUCCEEDED',
		    result = ?,
		    error = NULL,
		    attempt_count = ?,
		    next_retry_at = NULL,
		    updated_at = ?
		WHERE id = ? AND ` + terminalGuard

	if _, err := r.db.ExecContext(ctx, query, result, attemptCount, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failure after attempts are exhausted
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, taskErr string, attemptCount int) error {
	query := `
		UPDATE tasks
		SET status = 'FAILED',
		    error = ?,
		    attempt_count = ?,
		    next_retry_at = NULL,
		    updated_at = ?
		WHERE id = ? AND ` + terminalGuard

	if _, err := r.db.ExecContext(ctx, query, taskErr, attemptCount, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// MarkRetrying schedules the next attempt
func (r *SQLiteRepository) MarkRetrying(ctx context.Context, id string, taskErr string, attemptCount int, nextRetryAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = 'RETRYING',
		    error = ?,
		    attempt_count = ?,
		    next_retry_at = ?,
		    updated_at = ?
		WHERE id = ? AND ` + terminalGuard

	if _, err := r.db.ExecContext(ctx, query, taskErr, attemptCount, nextRetryAt.Unix(), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark task retrying: %w", err)
	}
	return nil
}

// CancelTask cancels a task that has not started executing
func (r *SQLiteRepository) CancelTask(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'CANCELLED', updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RETRYING')
	`

	res, err := r.db.ExecContext(ctx, query, time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return affected > 0, nil
}

// ReapTerminalTasks deletes terminal records older than the cutoff
func (r *SQLiteRepository) ReapTerminalTasks(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('SUCCEEDED', 'FAILED', 'CANCELLED') AND updated_at < ?
	`

	res, err := r.db.ExecContext(ctx, query, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reap terminal tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reap result: %w", err)
	}
	return int(affected), nil
}
