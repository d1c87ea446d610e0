package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"assessment-gateway/internal/breaker"
	"assessment-gateway/internal/cache"
	"assessment-gateway/internal/executor"
	"assessment-gateway/internal/models"
	"assessment-gateway/internal/scoring"
)

// DependencyScorer is the breaker registry key guarding the scoring engine
const DependencyScorer = "scorer"

var ErrInvalidRequest = errors.New("invalid assessment request")

// taskPayload is the serialized form of an assessment stored with a task
type taskPayload struct {
	CandidateID string `json:"candidate_id"`
	Submission  string `json:"submission"`
	RubricPath  string `json:"rubric_path"`
}

// SubmitOutcome is the result of a submission: either an inline (possibly
// cached) result, or the task handle for asynchronous execution
type SubmitOutcome struct {
	Result *models.AssessmentResult
	Task   *models.TaskRecord
}

// AssessmentService orchestrates the resilience core around the scoring
// engine: results are memoized in the response cache, engine calls run
// behind the circuit breaker, and long-running work goes through the task
// executor.
type AssessmentService struct {
	cache    *cache.Cache
	breakers *breaker.Registry
	exec     *executor.Executor
	engine   scoring.Engine
	cacheTTL time.Duration
}

// NewAssessmentService creates a new assessment service
func NewAssessmentService(c *cache.Cache, breakers *breaker.Registry, exec *executor.Executor, engine scoring.Engine, cacheTTL time.Duration) *AssessmentService {
	return &AssessmentService{
		cache:    c,
		breakers: breakers,
		exec:     exec,
		engine:   engine,
		cacheTTL: cacheTTL,
	}
}

// Submit scores a submission inline through the cache, or enqueues it when
// the caller asked for asynchronous execution. Inline callers must handle
// breaker.ErrCircuitOpen separately from generic failures.
func (s *AssessmentService) Submit(ctx context.Context, req *models.SubmitAssessmentRequest) (*SubmitOutcome, error) {
	if req.CandidateID == "" || req.Submission == "" {
		return nil, ErrInvalidRequest
	}
	rubricPath := req.RubricPath
	if rubricPath == "" {
		rubricPath = scoring.DefaultRubricPath
	}

	if req.Async {
		return s.enqueue(ctx, req, rubricPath)
	}

	raw, err := s.scoreCached(ctx, req.CandidateID, req.Submission, rubricPath)
	if err != nil {
		return nil, err
	}

	var result models.AssessmentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &SubmitOutcome{Result: &result}, nil
}

// enqueue hands the submission to the task executor
func (s *AssessmentService) enqueue(ctx context.Context, req *models.SubmitAssessmentRequest, rubricPath string) (*SubmitOutcome, error) {
	payload, err := json.Marshal(taskPayload{
		CandidateID: req.CandidateID,
		Submission:  req.Submission,
		RubricPath:  rubricPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	maxAttempts := 0
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}

	task, err := s.exec.Enqueue(ctx, executor.EnqueueRequest{
		ClientKey:      req.ClientKey,
		Payload:        string(payload),
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		CorrelationID:  CorrelationID(ctx),
	})
	if err != nil {
		return nil, err
	}
	return &SubmitOutcome{Task: task}, nil
}

// ExecuteTask is the executor's work function: decode the payload, score it
// through the cache and breaker, return the serialized result. It is safe
// to re-run: the cache makes re-scoring cheap and result persistence is an
// upsert keyed by the task ID.
func (s *AssessmentService) ExecuteTask(ctx context.Context, task *models.TaskRecord) (string, error) {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return "", executor.Terminal(fmt.Errorf("undecodable payload: %w", err))
	}
	if payload.CandidateID == "" {
		return "", executor.Terminal(errors.New("payload missing candidate_id"))
	}

	raw, err := s.scoreCached(ctx, payload.CandidateID, payload.Submission, payload.RubricPath)
	if err != nil {
		if errors.Is(err, scoring.ErrMalformedSubmission) {
			return "", executor.Terminal(err)
		}
		// circuit-open and dependency failures stay retryable
		return "", err
	}
	return string(raw), nil
}

// scoreCached memoizes scoring results keyed by the request fingerprint.
// Entries are tagged by candidate so a candidate's results can be
// invalidated together.
func (s *AssessmentService) scoreCached(ctx context.Context, candidateID, submission, rubricPath string) ([]byte, error) {
	key := cache.Fingerprint(candidateID, rubricPath, submission)
	return s.cache.GetOrCompute(ctx, key, s.cacheTTL, func(ctx context.Context) ([]byte, error) {
		return s.score(ctx, candidateID, submission, rubricPath)
	}, CandidateTag(candidateID))
}

// score calls the scoring engine behind the circuit breaker
func (s *AssessmentService) score(ctx context.Context, candidateID, submission, rubricPath string) ([]byte, error) {
	var out []byte
	err := s.breakers.Call(ctx, DependencyScorer, func(ctx context.Context) error {
		result, err := s.engine.Score(ctx, candidateID, submission, rubricPath)
		if err != nil {
			return err
		}
		out, err = json.Marshal(result)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			log.Printf("assessment: scorer circuit open, correlation_id=%s", CorrelationID(ctx))
		}
		return nil, err
	}
	return out, nil
}

// GetTask returns the current record for a task
func (s *AssessmentService) GetTask(ctx context.Context, id string) (*models.TaskRecord, error) {
	return s.exec.GetStatus(ctx, id)
}

// CancelTask cancels a task that has not started executing
func (s *AssessmentService) CancelTask(ctx context.Context, id string) error {
	return s.exec.Cancel(ctx, id)
}

// InvalidateCandidate drops every cached result for a candidate, forcing
// recomputation on the next request
func (s *AssessmentService) InvalidateCandidate(candidateID string) {
	s.cache.InvalidateByTag(CandidateTag(candidateID))
}

// BreakerStates reports the current state of every known dependency breaker
func (s *AssessmentService) BreakerStates() map[string]string {
	return s.breakers.States()
}

// CacheStats reports response cache effectiveness
func (s *AssessmentService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// CandidateTag is the cache invalidation tag carrying all of a candidate's
// cached results
func CandidateTag(candidateID string) string {
	return "candidate:" + candidateID
}
