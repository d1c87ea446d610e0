package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"assessment-gateway/internal/metrics"
	"assessment-gateway/internal/models"
	"assessment-gateway/internal/repository"

	"github.com/google/uuid"
)

// WorkFunc executes one task attempt and returns a serialized result.
// Because failed attempts are re-executed, implementations must be safe to
// re-run; result persistence inside the executor is an upsert keyed by the
// task ID.
type WorkFunc func(ctx context.Context, task *models.TaskRecord) (string, error)

// Config controls the executor's pool and retry policy
type Config struct {
	Workers       int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// Retention is how long terminal records are kept for status polling
	// before being reaped. Zero disables reaping.
	Retention    time.Duration
	ReapInterval time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffCap:    5 * time.Minute,
		LeaseDuration: 30 * time.Second,
		PollInterval:  time.Second,
		Retention:     24 * time.Hour,
		ReapInterval:  10 * time.Minute,
	}
}

// EnqueueRequest describes a task submission
type EnqueueRequest struct {
	ClientKey      string
	Payload        string
	IdempotencyKey string
	MaxAttempts    int
	CorrelationID  string
}

// Executor runs long-lived work off the request path through a fixed pool of
// workers. Failed attempts are rescheduled with exponential backoff by
// writing next_retry_at back to the store; no worker ever sleeps on behalf
// of a waiting task.
type Executor struct {
	repo    repository.TaskRepository
	work    WorkFunc
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithClock overrides the executor's time source (used in tests)
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates a task executor
func New(repo repository.TaskRepository, work WorkFunc, m *metrics.Metrics, cfg Config, opts ...Option) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{
		repo:    repo,
		work:    work,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue records a new PENDING task and returns it. The caller holds only
// the task ID; the record itself stays owned by the executor. Submissions
// carrying an idempotency key the client has used before return the
// existing task.
func (e *Executor) Enqueue(ctx context.Context, req EnqueueRequest) (*models.TaskRecord, error) {
	if req.IdempotencyKey != "" {
		existing, err := e.repo.GetTaskByClientAndIdempotencyKey(ctx, req.ClientKey, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			log.Printf("task_id=%s: duplicate submission with idempotency_key=%s", existing.ID, req.IdempotencyKey)
			return existing, nil
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	task := &models.TaskRecord{
		ID:             uuid.New().String(),
		ClientKey:      req.ClientKey,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Status:         models.StatusPending,
		MaxAttempts:    maxAttempts,
		CorrelationID:  req.CorrelationID,
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		// Handle duplicate idempotency key (race between check and insert)
		var dupErr *repository.ErrDuplicateIdempotencyKey
		if errors.As(err, &dupErr) {
			existing, fetchErr := e.repo.GetTaskByClientAndIdempotencyKey(ctx, dupErr.ClientKey, dupErr.IdempotencyKey)
			if fetchErr != nil {
				return nil, fmt.Errorf("failed to fetch existing task: %w", fetchErr)
			}
			if existing != nil {
				log.Printf("task_id=%s: duplicate submission with idempotency_key=%s (race)", existing.ID, dupErr.IdempotencyKey)
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncTasksEnqueued()
	}
	log.Printf("task_id=%s: task enqueued, client=%s correlation_id=%s", task.ID, task.ClientKey, task.CorrelationID)

	return task, nil
}

// GetStatus retrieves the current record for a task
func (e *Executor) GetStatus(ctx context.Context, id string) (*models.TaskRecord, error) {
	task, err := e.repo.GetTaskByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// Cancel cancels a task that has not started executing
func (e *Executor) Cancel(ctx context.Context, id string) error {
	ok, err := e.repo.CancelTask(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		if e.metrics != nil {
			e.metrics.IncTasksCancelled()
		}
		log.Printf("task_id=%s: task cancelled", id)
		return nil
	}

	if _, err := e.GetStatus(ctx, id); err != nil {
		return err
	}
	return ErrTaskNotCancelable
}

// Run starts the worker pool and blocks until ctx is cancelled
func (e *Executor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}

	if e.cfg.Retention > 0 && e.cfg.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.reapLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// workerLoop continuously leases and executes due tasks
func (e *Executor) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.repo.LeaseDueTask(ctx, e.now(), e.cfg.LeaseDuration)
		if err != nil {
			log.Printf("worker=%d: error leasing task: %v", worker, err)
			e.idle(ctx)
			continue
		}
		if task == nil {
			e.idle(ctx)
			continue
		}

		e.executeAttempt(ctx, task)
	}
}

// idle waits one poll interval or until shutdown
func (e *Executor) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.PollInterval):
	}
}

// executeAttempt runs one attempt and records its outcome
func (e *Executor) executeAttempt(ctx context.Context, task *models.TaskRecord) {
	attempt := task.AttemptCount + 1
	log.Printf("task_id=%s: attempt %d/%d starting, correlation_id=%s", task.ID, attempt, task.MaxAttempts, task.CorrelationID)

	result, err := e.runWork(ctx, task)
	if err == nil {
		if mErr := e.repo.MarkSucceeded(ctx, task.ID, result, attempt); mErr != nil {
			log.Printf("task_id=%s: error recording success: %v", task.ID, mErr)
			return
		}
		if e.metrics != nil {
			e.metrics.IncTasksSucceeded()
		}
		log.Printf("task_id=%s: task succeeded after %d attempt(s)", task.ID, attempt)
		return
	}

	e.handleFailure(ctx, task, attempt, err)
}

// runWork invokes the work function with per-attempt panic recovery
func (e *Executor) runWork(ctx context.Context, task *models.TaskRecord) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during task execution: %v", r)
		}
	}()
	return e.work(ctx, task)
}

// handleFailure classifies a failed attempt as retryable or terminal
func (e *Executor) handleFailure(ctx context.Context, task *models.TaskRecord, attempt int, taskErr error) {
	if !IsTerminal(taskErr) && attempt < task.MaxAttempts {
		delay := e.backoff(attempt)
		nextRetryAt := e.now().Add(delay)
		if err := e.repo.MarkRetrying(ctx, task.ID, taskErr.Error(), attempt, nextRetryAt); err != nil {
			log.Printf("task_id=%s: error scheduling retry: %v", task.ID, err)
			return
		}
		if e.metrics != nil {
			e.metrics.IncTasksRetried()
		}
		log.Printf("task_id=%s: attempt %d/%d failed, retrying in %s, reason: %v", task.ID, attempt, task.MaxAttempts, delay.Round(time.Millisecond), taskErr)
		return
	}

	if err := e.repo.MarkFailed(ctx, task.ID, taskErr.Error(), attempt); err != nil {
		log.Printf("task_id=%s: error recording terminal failure: %v", task.ID, err)
		return
	}
	if e.metrics != nil {
		e.metrics.IncTasksFailed()
	}
	log.Printf("task_id=%s: task failed terminally after %d attempt(s), reason: %v", task.ID, attempt, taskErr)
}

// backoff computes the delay before the next attempt: exponential in the
// attempt count with +/-25% jitter, bounded by the configured cap
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt && d < e.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}

	if d > 0 {
		jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
		d += jitter
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// reapLoop periodically deletes terminal records past the retention window
func (e *Executor) reapLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.ReapInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := e.now().Add(-e.cfg.Retention)
			reaped, err := e.repo.ReapTerminalTasks(ctx, cutoff)
			if err != nil {
				log.Printf("executor: error reaping terminal tasks: %v", err)
				continue
			}
			if reaped > 0 {
				log.Printf("executor: reaped %d terminal task(s)", reaped)
			}
		}
	}
}
