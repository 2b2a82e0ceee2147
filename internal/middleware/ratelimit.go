package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter is a fixed-window limiter keyed by caller
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	requests map[string]*rateLimitEntry
	cleanup  clockwork.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

type rateLimitEntry struct {
	count     int
	windowEnd time.Time
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	MaxRequests int           // Maximum requests allowed in the window
	Window      time.Duration // Time window for rate limiting
}

var (
	// Guest account creation: 10 per hour per IP
	GuestCreationLimit = RateLimitConfig{MaxRequests: 10, Window: time.Hour}

	// Matchmaking join/leave: 30 per minute per IP
	MatchmakingLimit = RateLimitConfig{MaxRequests: 30, Window: time.Minute}

	// Settlement reports: 20 per minute per IP
	SettleLimit = RateLimitConfig{MaxRequests: 20, Window: time.Minute}

	// WebSocket upgrade: 20 per minute per IP
	WebSocketUpgradeLimit = RateLimitConfig{MaxRequests: 20, Window: time.Minute}
)

// NewRateLimiter creates a new rate limiter with automatic cleanup
func NewRateLimiter(clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := &RateLimiter{
		clock:    clock,
		requests: make(map[string]*rateLimitEntry),
		cleanup:  clock.NewTicker(5 * time.Minute),
		done:     make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-rl.cleanup.Chan():
				rl.cleanupExpired()
			case <-rl.done:
				return
			}
		}
	}()

	return rl
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}

func (rl *RateLimiter) cleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, entry := range rl.requests {
		if now.After(entry.windowEnd) {
			delete(rl.requests, key)
		}
	}
}

// Allow checks if a request should be allowed based on the rate limit
// Returns (allowed, remaining, resetTime)
func (rl *RateLimiter) Allow(key string, config RateLimitConfig) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	entry, exists := rl.requests[key]

	if !exists || now.After(entry.windowEnd) {
		rl.requests[key] = &rateLimitEntry{
			count:     1,
			windowEnd: now.Add(config.Window),
		}
		return true, config.MaxRequests - 1, now.Add(config.Window)
	}

	if entry.count >= config.MaxRequests {
		return false, 0, entry.windowEnd
	}

	entry.count++
	return true, config.MaxRequests - entry.count, entry.windowEnd
}

// GetClientIP extracts the real client IP from the request
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For may carry a chain; the first hop is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip, _, err := net.SplitHostPort(first); err == nil {
			return ip
		}
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware creates a middleware that applies rate limiting
func (rl *RateLimiter) RateLimitMiddleware(config RateLimitConfig, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return rl.RateLimitHandler(config, keyFunc, next.ServeHTTP)
	}
}

// IPRateLimitMiddleware creates a middleware that rate limits by IP
func (rl *RateLimiter) IPRateLimitMiddleware(config RateLimitConfig) func(http.Handler) http.Handler {
	return rl.RateLimitMiddleware(config, GetClientIP)
}

// RateLimitHandler wraps a handler function with rate limiting
func (rl *RateLimiter) RateLimitHandler(config RateLimitConfig, keyFunc func(*http.Request) string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetTime := rl.Allow(keyFunc(r), config)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetTime.Format(time.RFC3339))

		if !allowed {
			retryAfter := int(resetTime.Sub(rl.clock.Now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":      "Rate limit exceeded",
				"retryAfter": retryAfter,
			})
			return
		}

		handler(w, r)
	}
}
