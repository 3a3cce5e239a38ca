// Package web holds HTTP middleware for the host API: per-client rate
// limiting and bearer-token authentication.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate and DefaultBurst suit a deck pressing keys by hand.
	DefaultRate  = rate.Limit(10)
	DefaultBurst = 30

	maxIdleTime     = time.Hour
	cleanupInterval = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	cancel   context.CancelFunc
	now      func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive limit or burst takes the
// default.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		cancel:   cancel,
		now:      time.Now,
	}
	go m.cleanupRoutine(ctx)
	return m
}

func (m *RateLimiter) getLimiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[ip] = entry
	}
	entry.lastAccess = m.now()
	return entry.limiter
}

// Middleware rejects requests over the client's budget with 429.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.getLimiter(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup goroutine.
func (m *RateLimiter) Close() {
	m.cancel()
}

func (m *RateLimiter) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupInactive(maxIdleTime)
		}
	}
}

// cleanupInactive drops limiters idle for longer than maxIdle.
func (m *RateLimiter) cleanupInactive(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for ip, entry := range m.limiters {
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(m.limiters, ip)
		}
	}
}

func (m *RateLimiter) clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
