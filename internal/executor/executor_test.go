package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"assessment-gateway/internal/models"
	"assessment-gateway/internal/repository"
)

// mockRepo is an in-memory task repository for executor tests
type mockRepo struct {
	tasks       map[string]*models.TaskRecord
	createError error
	createCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{tasks: make(map[string]*models.TaskRecord)}
}

func (m *mockRepo) CreateTask(ctx context.Context, task *models.TaskRecord) error {
	m.createCalls++
	if m.createError != nil {
		return m.createError
	}
	for _, existing := range m.tasks {
		if task.IdempotencyKey != "" && existing.ClientKey == task.ClientKey && existing.IdempotencyKey == task.IdempotencyKey {
			return fmt.Errorf("insert task: %w", &repository.ErrDuplicateIdempotencyKey{ClientKey: task.ClientKey, IdempotencyKey: task.IdempotencyKey})
		}
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockRepo) GetTaskByID(ctx context.Context, id string) (*models.TaskRecord, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *task
	return &cp, nil
}

func (m *mockRepo) GetTaskByClientAndIdempotencyKey(ctx context.Context, clientKey, idempotencyKey string) (*models.TaskRecord, error) {
	for _, task := range m.tasks {
		if task.ClientKey == clientKey && task.IdempotencyKey == idempotencyKey {
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.TaskRecord, error) {
	var out []*models.TaskRecord
	for _, task := range m.tasks {
		if task.Status == status {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) LeaseDueTask(ctx context.Context, now time.Time, leaseDuration time.Duration) (*models.TaskRecord, error) {
	for _, task := range m.tasks {
		due := task.Status == models.StatusPending ||
			(task.Status == models.StatusRetrying && task.NextRetryAt != nil && !task.NextRetryAt.After(now))
		if due {
			task.Status = models.StatusRunning
			expires := now.Add(leaseDuration)
			task.LeasedAt = &now
			task.LeaseExpiresAt = &expires
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) MarkSucceeded(ctx context.Context, id string, result string, attemptCount int) error {
	task, ok := m.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return nil
	}
	task.Status = models.StatusSucceeded
	task.Result = &result
	task.AttemptCount = attemptCount
	return nil
}

func (m *mockRepo) MarkFailed(ctx context.Context, id string, taskErr string, attemptCount int) error {
	task, ok := m.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return nil
	}
	task.Status = models.StatusFailed
	task.Error = &taskErr
	task.AttemptCount = attemptCount
	return nil
}

func (m *mockRepo) MarkRetrying(ctx context.Context, id string, taskErr string, attemptCount int, nextRetryAt time.Time) error {
	task, ok := m.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return nil
	}
	task.Status = models.StatusRetrying
	task.Error = &taskErr
	task.AttemptCount = attemptCount
	task.NextRetryAt = &nextRetryAt
	return nil
}

func (m *mockRepo) CancelTask(ctx context.Context, id string) (bool, error) {
	task, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	if task.Status != models.StatusPending && task.Status != models.StatusRetrying {
		return false, nil
	}
	task.Status = models.StatusCancelled
	return true, nil
}

func (m *mockRepo) ReapTerminalTasks(ctx context.Context, cutoff time.Time) (int, error) {
	reaped := 0
	for id, task := range m.tasks {
		if task.Status.IsTerminal() && task.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			reaped++
		}
	}
	return reaped, nil
}

func testConfig() Config {
	return Config{
		Workers:       1,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffCap:    5 * time.Minute,
		LeaseDuration: 30 * time.Second,
		PollInterval:  10 * time.Millisecond,
	}
}

// drain runs attempts until no task is due, advancing the clock past each
// retry delay
func drain(t *testing.T, e *Executor, repo *mockRepo, clock *fakeClock) {
	t.Helper()
	for i := 0; i < 20; i++ {
		task, err := repo.LeaseDueTask(context.Background(), clock.Now(), e.cfg.LeaseDuration)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if task == nil {
			return
		}
		e.executeAttempt(context.Background(), task)
		clock.Advance(e.cfg.BackoffCap)
	}
	t.Fatal("task never reached a terminal state")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestExecutor(work WorkFunc) (*Executor, *mockRepo, *fakeClock) {
	repo := newMockRepo()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	e := New(repo, work, nil, testConfig(), WithClock(clock.Now))
	return e, repo, clock
}

func TestExecutor_Enqueue(t *testing.T) {
	e, repo, _ := newTestExecutor(nil)

	task, err := e.Enqueue(context.Background(), EnqueueRequest{
		ClientKey: "client-1",
		Payload:   `{"candidate_id":"c1"}`,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if task.ID == "" {
		t.Error("expected a generated task ID")
	}
	if task.Status != models.StatusPending {
		t.Errorf("expected status PENDING, got %s", task.Status)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", task.MaxAttempts)
	}
	if len(repo.tasks) != 1 {
		t.Errorf("expected 1 stored task, got %d", len(repo.tasks))
	}
}

func TestExecutor_Enqueue_IdempotencyKeyReturnsExisting(t *testing.T) {
	e, repo, _ := newTestExecutor(nil)

	first, err := e.Enqueue(context.Background(), EnqueueRequest{
		ClientKey:      "client-1",
		Payload:        "p",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	second, err := e.Enqueue(context.Background(), EnqueueRequest{
		ClientKey:      "client-1",
		Payload:        "p",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected existing task %s, got new task %s", first.ID, second.ID)
	}
	if len(repo.tasks) != 1 {
		t.Errorf("expected 1 stored task, got %d", len(repo.tasks))
	}
}

// raceRepo simulates a concurrent submission landing between the idempotency
// pre-check and the insert: the pre-check sees nothing, then the insert hits
// the unique constraint
type raceRepo struct {
	*mockRepo
	prechecked bool
}

func (m *raceRepo) GetTaskByClientAndIdempotencyKey(ctx context.Context, clientKey, idempotencyKey string) (*models.TaskRecord, error) {
	if !m.prechecked {
		m.prechecked = true
		m.tasks["task-winner"] = &models.TaskRecord{
			ID:             "task-winner",
			ClientKey:      clientKey,
			IdempotencyKey: idempotencyKey,
			Status:         models.StatusPending,
			MaxAttempts:    3,
		}
		return nil, nil
	}
	return m.mockRepo.GetTaskByClientAndIdempotencyKey(ctx, clientKey, idempotencyKey)
}

func TestExecutor_Enqueue_DuplicateInsertRaceReturnsWinner(t *testing.T) {
	repo := &raceRepo{mockRepo: newMockRepo()}
	e := New(repo, nil, nil, testConfig())

	task, err := e.Enqueue(context.Background(), EnqueueRequest{
		ClientKey:      "client-1",
		Payload:        "p",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if task.ID != "task-winner" {
		t.Errorf("expected the concurrent winner's task, got %s", task.ID)
	}
	if repo.createCalls != 1 {
		t.Errorf("expected 1 insert attempt, got %d", repo.createCalls)
	}
	if len(repo.tasks) != 1 {
		t.Errorf("expected 1 stored task, got %d", len(repo.tasks))
	}
}

func TestExecutor_Enqueue_DistinctClientsDoNotShareKeys(t *testing.T) {
	e, _, _ := newTestExecutor(nil)

	first, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", IdempotencyKey: "idem-1"})
	second, err := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-2", IdempotencyKey: "idem-1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if second.ID == first.ID {
		t.Error("idempotency keys must be scoped per client")
	}
}

func TestExecutor_SucceedsOnFirstAttempt(t *testing.T) {
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		return `{"total":90}`, nil
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})
	drain(t, e, repo, clock)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", got.AttemptCount)
	}
	if got.Result == nil || *got.Result != `{"total":90}` {
		t.Errorf("expected stored result, got %v", got.Result)
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("scorer timeout")
		}
		return "ok", nil
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})
	drain(t, e, repo, clock)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("expected attempt count 3, got %d", got.AttemptCount)
	}
}

func TestExecutor_FailsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		attempts++
		return "", errors.New("scorer down")
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})
	drain(t, e, repo, clock)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if got.AttemptCount != got.MaxAttempts {
		t.Errorf("expected attempt count %d, got %d", got.MaxAttempts, got.AttemptCount)
	}
	if got.Error == nil || *got.Error != "scorer down" {
		t.Errorf("expected stored error, got %v", got.Error)
	}
}

func TestExecutor_TerminalErrorSkipsRetries(t *testing.T) {
	attempts := 0
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		attempts++
		return "", Terminal(errors.New("malformed submission"))
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})
	drain(t, e, repo, clock)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for a terminal error, got %d", attempts)
	}
}

func TestExecutor_PanicIsRetryable(t *testing.T) {
	attempts := 0
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		attempts++
		if attempts == 1 {
			panic("nil rubric")
		}
		return "ok", nil
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})
	drain(t, e, repo, clock)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED after recovering from panic, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("expected attempt count 2, got %d", got.AttemptCount)
	}
}

func TestExecutor_RetryScheduledInFuture(t *testing.T) {
	e, repo, clock := newTestExecutor(func(ctx context.Context, task *models.TaskRecord) (string, error) {
		return "", errors.New("transient")
	})

	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})

	leased, _ := repo.LeaseDueTask(context.Background(), clock.Now(), e.cfg.LeaseDuration)
	e.executeAttempt(context.Background(), leased)

	got := repo.tasks[task.ID]
	if got.Status != models.StatusRetrying {
		t.Fatalf("expected RETRYING, got %s", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(clock.Now()) {
		t.Error("expected next_retry_at in the future")
	}

	// not yet due
	if again, _ := repo.LeaseDueTask(context.Background(), clock.Now(), e.cfg.LeaseDuration); again != nil {
		t.Error("task leased before its retry time")
	}
}

func TestExecutor_Cancel(t *testing.T) {
	e, repo, _ := newTestExecutor(nil)
	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})

	if err := e.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if repo.tasks[task.ID].Status != models.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", repo.tasks[task.ID].Status)
	}
}

func TestExecutor_CancelRunningTask(t *testing.T) {
	e, repo, clock := newTestExecutor(nil)
	task, _ := e.Enqueue(context.Background(), EnqueueRequest{ClientKey: "client-1", Payload: "p"})

	if _, err := repo.LeaseDueTask(context.Background(), clock.Now(), e.cfg.LeaseDuration); err != nil {
		t.Fatalf("lease: %v", err)
	}

	err := e.Cancel(context.Background(), task.ID)
	if !errors.Is(err, ErrTaskNotCancelable) {
		t.Errorf("expected ErrTaskNotCancelable, got %v", err)
	}
}

func TestExecutor_CancelMissingTask(t *testing.T) {
	e, _, _ := newTestExecutor(nil)

	err := e.Cancel(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecutor_GetStatusMissingTask(t *testing.T) {
	e, _, _ := newTestExecutor(nil)

	_, err := e.GetStatus(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecutor_BackoffBounds(t *testing.T) {
	e, _, _ := newTestExecutor(nil)

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := e.backoff(attempt)
			if d < 0 {
				t.Fatalf("attempt %d: negative backoff %s", attempt, d)
			}
			if d > e.cfg.BackoffCap {
				t.Fatalf("attempt %d: backoff %s exceeds cap %s", attempt, d, e.cfg.BackoffCap)
			}
		}
	}

	// the first retry stays within +/-25% of the base
	base := e.cfg.BackoffBase
	for i := 0; i < 50; i++ {
		d := e.backoff(1)
		if d < base*3/4 || d > base*5/4 {
			t.Fatalf("attempt 1: backoff %s outside jitter window around %s", d, base)
		}
	}
}

func TestTerminalError(t *testing.T) {
	inner := errors.New("bad payload")
	wrapped := Terminal(inner)

	if !IsTerminal(wrapped) {
		t.Error("expected wrapped error to be terminal")
	}
	if IsTerminal(inner) {
		t.Error("plain error must not be terminal")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("terminal wrapper must preserve the cause")
	}
	if IsTerminal(fmt.Errorf("attempt: %w", errors.New("transient"))) {
		t.Error("wrapped transient error must not be terminal")
	}
	if !IsTerminal(fmt.Errorf("attempt: %w", wrapped)) {
		t.Error("terminal classification must survive wrapping")
	}
}
