package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"assessment-gateway/internal/breaker"
	"assessment-gateway/internal/executor"
	"assessment-gateway/internal/metrics"
	"assessment-gateway/internal/models"
	"assessment-gateway/internal/scoring"
	"assessment-gateway/internal/service"
)

// AssessmentHandler handles HTTP requests for assessments and tasks
type AssessmentHandler struct {
	svc     *service.AssessmentService
	metrics *metrics.Metrics
	keyFn   KeyFunc
}

// NewAssessmentHandler creates a new assessment handler
func NewAssessmentHandler(svc *service.AssessmentService, m *metrics.Metrics, keyFn KeyFunc) *AssessmentHandler {
	if keyFn == nil {
		keyFn = DefaultKeyFunc("X-Api-Key", true)
	}
	return &AssessmentHandler{svc: svc, metrics: m, keyFn: keyFn}
}

// SubmitAssessment handles POST /assessments
func (h *AssessmentHandler) SubmitAssessment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.SubmitAssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ClientKey = h.keyFn(r)

	outcome, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if outcome.Task != nil {
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{
			"task_id": outcome.Task.ID,
			"status":  string(outcome.Task.Status),
		})
		return
	}
	writeJSON(w, outcome.Result)
}

// writeSubmitError maps submission failures onto HTTP statuses. Circuit-open
// is a distinct, retryable-later outcome, never a generic 500.
func (h *AssessmentHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := service.CorrelationID(r.Context())

	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		http.Error(w, "candidate_id and submission are required", http.StatusBadRequest)
	case errors.Is(err, scoring.ErrMalformedSubmission):
		http.Error(w, "submission cannot be scored", http.StatusUnprocessableEntity)
	case errors.Is(err, breaker.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		http.Error(w, "scoring engine temporarily unavailable, retry later", http.StatusServiceUnavailable)
	default:
		log.Printf("error submitting assessment: %v, correlation_id=%s", err, correlationID)
		http.Error(w, "assessment submission failed", http.StatusInternalServerError)
	}
}

// TaskByID handles GET and DELETE on /tasks/{id}
func (h *AssessmentHandler) TaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || id == r.URL.Path {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getTask(w, r, id)
	case http.MethodDelete:
		h.cancelTask(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AssessmentHandler) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, executor.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		log.Printf("error getting task: %v", err)
		http.Error(w, "failed to retrieve task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task)
}

func (h *AssessmentHandler) cancelTask(w http.ResponseWriter, r *http.Request, id string) {
	err := h.svc.CancelTask(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, executor.ErrTaskNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, executor.ErrTaskNotCancelable):
		http.Error(w, "task already running or finished", http.StatusConflict)
	default:
		log.Printf("error cancelling task: %v", err)
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
	}
}

// InvalidateCandidate handles DELETE /candidates/{id}/results, dropping the
// candidate's cached scores
func (h *AssessmentHandler) InvalidateCandidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/candidates/")
	if rest == r.URL.Path || !strings.HasSuffix(rest, "/results") {
		http.Error(w, "candidate id is required", http.StatusBadRequest)
		return
	}
	id := strings.TrimSuffix(rest, "/results")
	if id == "" {
		http.Error(w, "candidate id is required", http.StatusBadRequest)
		return
	}

	h.svc.InvalidateCandidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /stats with a JSON snapshot of all component counters
func (h *AssessmentHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := map[string]interface{}{
		"counters": h.metrics.GetSnapshot(),
		"cache":    h.svc.CacheStats(),
		"breakers": h.svc.BreakerStates(),
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snapshot)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}
