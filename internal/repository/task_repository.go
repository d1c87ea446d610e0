package repository

import (
	"context"
	"time"

	"assessment-gateway/internal/models"
)

// TaskRepository defines the interface for task persistence
type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.TaskRecord) error
	GetTaskByID(ctx context.Context, id string) (*models.TaskRecord, error)
	GetTaskByClientAndIdempotencyKey(ctx context.Context, clientKey, idempotencyKey string) (*models.TaskRecord, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.TaskRecord, error)

	// LeaseDueTask transitions the oldest due task to RUNNING and leases it
	// to the caller. Due means PENDING, RETRYING with next_retry_at <= now,
	// or RUNNING with an expired lease (reclaimed from a crashed worker).
	// Returns nil when no task is due.
	LeaseDueTask(ctx context.Context, now time.Time, leaseDuration time.Duration) (*models.TaskRecord, error)

	// MarkSucceeded records a successful attempt. The write is an upsert
	// keyed by task ID so re-executed attempts remain idempotent. It has no
	// effect on tasks already in a terminal state.
	MarkSucceeded(ctx context.Context, id string, result string, attemptCount int) error

	// MarkFailed records the terminal failure after attempts are exhausted
	MarkFailed(ctx context.Context, id string, taskErr string, attemptCount int) error

	// MarkRetrying schedules the next attempt
	MarkRetrying(ctx context.Context, id string, taskErr string, attemptCount int, nextRetryAt time.Time) error

	// CancelTask cancels a task that has not started executing. It reports
	// false when the task exists but is RUNNING or terminal.
	CancelTask(ctx context.Context, id string) (bool, error)

	// ReapTerminalTasks deletes terminal records whose last update is older
	// than the cutoff, returning how many were removed
	ReapTerminalTasks(ctx context.Context, cutoff time.Time) (int, error)
}
