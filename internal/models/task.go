package models

import "time"

// TaskStatus represents the state of an asynchronous task
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusRetrying  TaskStatus = "RETRYING"
	StatusSucceeded TaskStatus = "SUCCEEDED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether a task in this status can no longer change
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// TaskRecord represents a unit of asynchronous work
type TaskRecord struct {
	ID             string     `json:"id"`
	ClientKey      string     `json:"client_key"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Payload        string     `json:"payload"`
	Status         TaskStatus `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Result         *string    `json:"result,omitempty"`
	Error          *string    `json:"error,omitempty"`
	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SubmitAssessmentRequest represents a request to score a submission
type SubmitAssessmentRequest struct {
	ClientKey      string `json:"-"`
	CandidateID    string `json:"candidate_id"`
	Submission     string `json:"submission"`
	RubricPath     string `json:"rubric_path,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MaxAttempts    *int   `json:"max_attempts,omitempty"`
	// Async forces the request onto the task executor even when the
	// result could be computed inline.
	Async bool `json:"async,omitempty"`
}

// AssessmentResult is the scored outcome for a submission
type AssessmentResult struct {
	CandidateID string             `json:"candidate_id"`
	RubricPath  string             `json:"rubric_path"`
	Scores      map[string]float64 `json:"scores"`
	Total       float64            `json:"total"`
	ScoredAt    time.Time          `json:"scored_at"`
}
