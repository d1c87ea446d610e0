package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"assessment-gateway/internal/metrics"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// UnknownClientKey is the shared bucket for requests whose caller could not
// be identified. Such requests are limited conservatively together rather
// than bypassing limiting.
const UnknownClientKey = "unknown"

// Limits holds the admission ceilings for both horizons
type Limits struct {
	PerMinute int
	PerHour   int
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	Limit      int
	Reset      time.Time
}

// clientWindow tracks fixed-window counters for one client across both horizons
type clientWindow struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
}

// Limiter implements per-client admission control using fixed-window counters
// over a per-minute and a per-hour horizon. An optional coordination store
// shares counters across instances; when it is unreachable the limiter falls
// open to its in-process counters.
type Limiter struct {
	mu sync.Mutex

	limits  Limits
	windows *ttlcache.Cache[string, *clientWindow]
	burst   *rate.Limiter
	coord   CoordinationStore
	metrics *metrics.Metrics

	coordTimeout time.Duration
	now          func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithBurstGuard installs a per-instance token-bucket guard checked before
// the per-client windows.
func WithBurstGuard(rps float64, burst int) Option {
	return func(l *Limiter) { l.burst = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithCoordinationStore shares window counters through an external store
func WithCoordinationStore(store CoordinationStore) Option {
	return func(l *Limiter) { l.coord = store }
}

// WithIdleTTL overrides how long idle client windows are retained
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.windows = ttlcache.New[string, *clientWindow](
			ttlcache.WithTTL[string, *clientWindow](d),
		)
	}
}

// NewLimiter creates a new admission controller
func NewLimiter(limits Limits, m *metrics.Metrics, opts ...Option) *Limiter {
	l := &Limiter{
		limits: limits,
		windows: ttlcache.New[string, *clientWindow](
			ttlcache.WithTTL[string, *clientWindow](2 * time.Hour),
		),
		metrics:      m,
		coordTimeout: 150 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background eviction of idle client windows.
// Stop with Stop.
func (l *Limiter) Start() {
	go l.windows.Start()
}

// Stop halts background eviction
func (l *Limiter) Stop() {
	l.windows.Stop()
}

// Allow decides whether a request from clientKey may proceed. It never
// returns an error: limiter-internal failures (including coordination-store
// unavailability) degrade to local-only limiting.
func (l *Limiter) Allow(ctx context.Context, clientKey string) Decision {
	if clientKey == "" {
		clientKey = UnknownClientKey
	}

	now := l.now()

	if l.burst != nil {
		res := l.burst.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			dec := Decision{
				Allowed:    false,
				RetryAfter: delay,
				Remaining:  0,
				Limit:      l.limits.PerMinute,
				Reset:      now.Add(delay),
			}
			l.record(clientKey, dec)
			return dec
		}
	}

	if l.coord != nil {
		if dec, ok := l.sharedDecision(ctx, clientKey, now); ok {
			l.record(clientKey, dec)
			return dec
		}
		// fall open to local counters
	}

	dec := l.localDecision(clientKey, now)
	l.record(clientKey, dec)
	return dec
}

// localDecision applies the fixed-window counters held in process
func (l *Limiter) localDecision(clientKey string, now time.Time) Decision {
	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(clientKey)

	// Roll buckets forward when the boundary has been crossed. Buckets are
	// never rolled back: a stale start time from a clock skew is treated as
	// the current window.
	if minuteStart.After(w.minuteStart) {
		w.minuteStart = minuteStart
		w.minuteCount = 0
	}
	if hourStart.After(w.hourStart) {
		w.hourStart = hourStart
		w.hourCount = 0
	}

	return l.decide(w.minuteCount, w.hourCount, w, now)
}

// sharedDecision consults the coordination store. The second return value is
// false when the store could not be reached, in which case the caller falls
// back to local counters. A single attempt is made per call.
func (l *Limiter) sharedDecision(ctx context.Context, clientKey string, now time.Time) (Decision, bool) {
	cctx, cancel := context.WithTimeout(ctx, l.coordTimeout)
	defer cancel()

	counts, err := l.coord.Incr(cctx, clientKey, now)
	if err != nil {
		log.Printf("ratelimit: coordination store unavailable, failing open to local counters: %v", err)
		if l.metrics != nil {
			l.metrics.IncCoordinationErrors()
		}
		return Decision{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Mirror the authoritative counts into the local window so a later
	// fail-open continues from a recent value instead of zero.
	w := l.window(clientKey)
	w.minuteStart = now.Truncate(time.Minute)
	w.minuteCount = int(counts.Minute)
	w.hourStart = now.Truncate(time.Hour)
	w.hourCount = int(counts.Hour)

	// The store already counted this request, so compare against the
	// pre-increment values.
	dec := l.decide(int(counts.Minute)-1, int(counts.Hour)-1, w, now)
	return dec, true
}

// decide applies the ceilings to pre-increment counts, incrementing the
// window on admission. Callers must hold l.mu.
func (l *Limiter) decide(minuteCount, hourCount int, w *clientWindow, now time.Time) Decision {
	minuteReset := w.minuteStart.Add(time.Minute)
	hourReset := w.hourStart.Add(time.Hour)

	if minuteCount >= l.limits.PerMinute {
		return Decision{
			Allowed:    false,
			RetryAfter: minuteReset.Sub(now),
			Remaining:  0,
			Limit:      l.limits.PerMinute,
			Reset:      minuteReset,
		}
	}
	if hourCount >= l.limits.PerHour {
		return Decision{
			Allowed:    false,
			RetryAfter: hourReset.Sub(now),
			Remaining:  0,
			Limit:      l.limits.PerHour,
			Reset:      hourReset,
		}
	}

	w.minuteCount = minuteCount + 1
	w.hourCount = hourCount + 1

	remaining := l.limits.PerMinute - w.minuteCount
	limit := l.limits.PerMinute
	reset := minuteReset
	if hr := l.limits.PerHour - w.hourCount; hr < remaining {
		remaining = hr
		limit = l.limits.PerHour
		reset = hourReset
	}
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   true,
		Remaining: remaining,
		Limit:     limit,
		Reset:     reset,
	}
}

// window returns the live window state for clientKey, creating it lazily.
// Callers must hold l.mu. Lookups touch the entry so active clients are
// never evicted by the idle sweep.
func (l *Limiter) window(clientKey string) *clientWindow {
	if item := l.windows.Get(clientKey); item != nil {
		return item.Value()
	}
	w := &clientWindow{}
	l.windows.Set(clientKey, w, ttlcache.DefaultTTL)
	return w
}

func (l *Limiter) record(clientKey string, dec Decision) {
	if l.metrics == nil {
		return
	}
	if dec.Allowed {
		l.metrics.IncRequestsAdmitted()
	} else {
		l.metrics.IncRequestsRejected()
		log.Printf("ratelimit: client=%s rejected, retry after %s", clientKey, dec.RetryAfter)
	}
}
