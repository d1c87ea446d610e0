package handler

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"assessment-gateway/internal/ratelimit"
	"assessment-gateway/internal/service"

	"github.com/google/uuid"
)

// KeyFunc derives the rate-limit client key from a request
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers an explicit API key header, then the first
// X-Forwarded-For entry when the deployment trusts its proxy, then the
// remote address. Unidentifiable callers share the limiter's conservative
// "unknown" bucket.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if ip := strings.TrimSpace(parts[0]); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return ratelimit.UnknownClientKey
	}
}

// CorrelationMiddleware attaches a correlation identifier to every request,
// honoring a caller-supplied X-Request-ID and generating one otherwise. The
// identifier is echoed in the response for client-side tracing.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(service.WithCorrelationID(r.Context(), id)))
	})
}

// RateLimitMiddleware admits or rejects requests before business logic runs.
// Quota metadata travels back as response headers on every request;
// rejections get 429 with a Retry-After hint.
func RateLimitMiddleware(limiter *ratelimit.Limiter, keyFn KeyFunc) func(next http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DefaultKeyFunc("X-Api-Key", true)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := limiter.Allow(r.Context(), keyFn(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))

			if !dec.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec)))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds the retry hint up so clients never come back early
func retryAfterSeconds(dec ratelimit.Decision) int {
	secs := int(math.Ceil(dec.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
