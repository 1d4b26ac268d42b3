package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// ipLimiterIdleTTL is how long an idle client keeps its bucket before the
// cleanup pass drops it.
const ipLimiterIdleTTL = 15 * time.Minute

// ipLimiter hands each client IP its own token bucket. This guards the ops
// surface against a runaway dashboard or script; the outbound supplier
// limiter is a separate mechanism in internal/ratelimit.
type ipLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*ipBucket
	lastCleanup time.Time

	rps   rate.Limit
	burst int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (s *Server) rateLimitMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		// Disabled when rps <= 0.
		if s.ips == nil || s.ips.rps <= 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt lightweight and long-lived endpoints.
			switch r.URL.Path {
			case "/health", "/metrics", "/ws", "/ws/status":
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if ip == "" {
				ip = "unknown"
			}

			if !s.ips.allow(ip) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(s.ips.rps)))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Amortized cleanup of idle buckets.
	if l.lastCleanup.IsZero() || now.Sub(l.lastCleanup) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > ipLimiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}

	b := l.buckets[ip]
	if b == nil {
		b = &ipBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	return b.limiter.Allow()
}

// clientIP resolves the caller address, trusting proxy headers first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
