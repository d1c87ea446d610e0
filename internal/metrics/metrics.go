package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks counters and gauges for all four core components. Each
// instance owns its own Prometheus registry so tests can construct isolated
// copies without collisions.
type Metrics struct {
	reg *prometheus.Registry

	requestsAdmitted   prometheus.Counter
	requestsRejected   prometheus.Counter
	coordinationErrors prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	breakerState       *prometheus.GaugeVec
	tasksEnqueued      prometheus.Counter
	tasksSucceeded     prometheus.Counter
	tasksFailed        prometheus.Counter
	tasksRetried       prometheus.Counter
	tasksCancelled     prometheus.Counter

	// mirror counters for the JSON snapshot endpoint
	mu     sync.RWMutex
	counts map[string]int64
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		reg:    prometheus.NewRegistry(),
		counts: make(map[string]int64),
		requestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_admitted_total",
			Help: "Total number of requests admitted by the rate limiter",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_rejected_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
		coordinationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_store_errors_total",
			Help: "Total number of coordination store failures recovered locally",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of response cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of response cache misses",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks that exhausted their attempts",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Total number of task retry attempts scheduled",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_cancelled_total",
			Help: "Total number of tasks cancelled before execution",
		}),
	}

	m.reg.MustRegister(
		m.requestsAdmitted,
		m.requestsRejected,
		m.coordinationErrors,
		m.cacheHits,
		m.cacheMisses,
		m.breakerState,
		m.tasksEnqueued,
		m.tasksSucceeded,
		m.tasksFailed,
		m.tasksRetried,
		m.tasksCancelled,
	)

	return m
}

// Handler returns an HTTP handler serving this instance's registry in the
// Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) inc(name string, c prometheus.Counter) {
	c.Inc()
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

// IncRequestsAdmitted increments the admitted-requests counter
func (m *Metrics) IncRequestsAdmitted() { m.inc("requests_admitted", m.requestsAdmitted) }

// IncRequestsRejected increments the rejected-requests counter
func (m *Metrics) IncRequestsRejected() { m.inc("requests_rejected", m.requestsRejected) }

// IncCoordinationErrors increments the recovered coordination-store failures counter
func (m *Metrics) IncCoordinationErrors() { m.inc("coordination_errors", m.coordinationErrors) }

// IncCacheHit increments the cache-hit counter
func (m *Metrics) IncCacheHit() { m.inc("cache_hits", m.cacheHits) }

// IncCacheMiss increments the cache-miss counter
func (m *Metrics) IncCacheMiss() { m.inc("cache_misses", m.cacheMisses) }

// IncTasksEnqueued increments the enqueued-tasks counter
func (m *Metrics) IncTasksEnqueued() { m.inc("tasks_enqueued", m.tasksEnqueued) }

// IncTasksSucceeded increments the succeeded-tasks counter
func (m *Metrics) IncTasksSucceeded() { m.inc("tasks_succeeded", m.tasksSucceeded) }

// IncTasksFailed increments the terminally-failed-tasks counter
func (m *Metrics) IncTasksFailed() { m.inc("tasks_failed", m.tasksFailed) }

// IncTasksRetried increments the retried-tasks counter
func (m *Metrics) IncTasksRetried() { m.inc("tasks_retried", m.tasksRetried) }

// IncTasksCancelled increments the cancelled-tasks counter
func (m *Metrics) IncTasksCancelled() { m.inc("tasks_cancelled", m.tasksCancelled) }

// SetBreakerState records the current breaker state for a dependency
// (0 closed, 1 open, 2 half-open)
func (m *Metrics) SetBreakerState(dependency string, state float64) {
	m.breakerState.WithLabelValues(dependency).Set(state)
}

// GetSnapshot returns a snapshot of all counters
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
