package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientLimiterCleanupInterval = 5 * time.Minute
	clientLimiterStaleThreshold  = 10 * time.Minute
)

// clientLimiter applies a token bucket per remote client. This protects the
// HTTP surface itself; the shared sliding-window budget in front of the
// generation backend is a separate concern.
type clientLimiter struct {
	mu          sync.Mutex
	clients     map[string]*client
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		clients:     make(map[string]*client),
		limit:       rate.Limit(rps),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// allow reports whether a request from addr is admitted. Stale entries are
// swept inline.
func (cl *clientLimiter) allow(addr string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	if now.Sub(cl.lastCleanup) > clientLimiterCleanupInterval {
		for k, c := range cl.clients {
			if now.Sub(c.lastSeen) > clientLimiterStaleThreshold {
				delete(cl.clients, k)
			}
		}
		cl.lastCleanup = now
	}

	c, exists := cl.clients[addr]
	if !exists {
		limiter := rate.NewLimiter(cl.limit, cl.burst)
		cl.clients[addr] = &client{limiter: limiter, lastSeen: now}
		limiter.Allow()
		return true
	}

	c.lastSeen = now
	return c.limiter.Allow()
}

// rateLimitMiddleware rejects clients that exhausted their bucket with 429.
func rateLimitMiddleware(cl *clientLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if !cl.allow(addr) {
				logger.Warn("client rate limit exceeded",
					"client", addr, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr keys the limiter by remote IP. The daemon listens on loopback
// with no proxy in front, so RemoteAddr is trustworthy.
func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
