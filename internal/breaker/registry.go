package breaker

import (
	"context"
	"sync"
	"time"

	"assessment-gateway/internal/metrics"
)

// Registry maps dependency names to their breakers, creating them lazily so
// distinct dependencies fail independently. It is the only owner of breaker
// state; construct one per process and inject it wherever calls need
// protection.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config

	defaults Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source (used in tests)
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a breaker registry with the given default thresholds
func NewRegistry(defaults Config, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
		defaults: defaults,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets per-dependency thresholds. It has no effect on a breaker
// that has already been created for the dependency.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the breaker for a dependency, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.defaults
	}
	b := newBreaker(name, cfg, r.metrics, r.now)
	r.breakers[name] = b
	return b
}

// Call runs fn behind the breaker for the named dependency
func (r *Registry) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// State returns the current breaker state for a dependency
func (r *Registry) State(name string) State {
	return r.Get(name).State()
}

// States returns the current state of every known breaker
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = r.Get(name).State().String()
	}
	return out
}

// Reset administratively returns a dependency's breaker to CLOSED
func (r *Registry) Reset(name string) {
	r.Get(name).reset()
}
