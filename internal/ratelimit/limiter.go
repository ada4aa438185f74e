package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Limiter enforces a per-client request rate using token buckets keyed
// by remote address.
type Limiter struct {
	store      *MemoryStore
	capacity   float64
	refillRate float64 // tokens per second
}

// Config holds limiter settings as they appear in gateway config:
// a sustained per-minute rate plus a burst allowance.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
}

// NewLimiter creates a limiter with the given config. Non-positive
// values fall back to 60 requests per minute with a burst of 10.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}

	return &Limiter{
		store:      NewMemoryStore(),
		capacity:   float64(cfg.BurstSize),
		refillRate: float64(cfg.RequestsPerMinute) / 60.0,
	}
}

// Allow consumes one token for the client key.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	allowed, _ := l.store.Allow(key, l.capacity, l.refillRate)
	return allowed
}

// Remaining reports the tokens left for the client key.
func (l *Limiter) Remaining(key string) float64 {
	if key == "" {
		return l.capacity
	}
	return l.store.Remaining(key, l.capacity, l.refillRate)
}

// Close releases the limiter's store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// Middleware wraps handlers with per-client rate limiting. When the
// limiter is nil the middleware is a pass-through.
func Middleware(limiter *Limiter, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			if !limiter.Allow(key) {
				addRateLimitHeaders(w, limiter, key)
				if logger != nil {
					logger.Printf("[WARN] rate limit exceeded: client=%s path=%s", key, r.URL.Path)
				}
				writeLimitExceeded(w)
				return
			}

			addRateLimitHeaders(w, limiter, key)
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey derives the bucket key from the request's remote address,
// stripping the ephemeral port so one host maps to one bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func addRateLimitHeaders(w http.ResponseWriter, limiter *Limiter, key string) {
	remaining := limiter.Remaining(key)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limiter.capacity))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	if remaining < limiter.capacity {
		needed := (limiter.capacity - remaining) / limiter.refillRate
		reset := time.Now().Add(time.Duration(needed * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}

func writeLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]interface{}{
		"error": map[string]interface{}{
			"message": "Rate limit exceeded. Please retry later.",
			"type":    "rate_limit_error",
			"code":    http.StatusTooManyRequests,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
