// Package ratelimit is a per-client token bucket for chi route groups.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/httputil"
)

const (
	cleanupInterval = 5 * time.Minute
	visitorTTL      = 10 * time.Minute
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(*http.Request) string

type visitor struct {
	tokens   float64
	lastSeen time.Time
}

type Limiter struct {
	clock clockwork.Clock
	key   KeyFunc
	rate  float64
	burst float64

	mu       sync.Mutex
	visitors map[string]*visitor
}

type Option func(*Limiter)

func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) { l.key = fn }
}

// NewLimiter allows burst requests at once and refills at requestsPerSecond.
// Buckets are keyed by client IP unless WithKeyFunc says otherwise.
func NewLimiter(requestsPerSecond float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		clock:    clockwork.NewRealClock(),
		key:      ClientIP,
		rate:     requestsPerSecond,
		burst:    float64(burst),
		visitors: make(map[string]*visitor),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	v, exists := l.visitors[key]
	if !exists {
		l.visitors[key] = &visitor{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	v.tokens = min(l.burst, v.tokens+now.Sub(v.lastSeen).Seconds()*l.rate)
	v.lastSeen = now
	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

// retryAfter is the whole number of seconds until the next token.
func (l *Limiter) retryAfter() int {
	if l.rate <= 0 {
		return 60
	}
	return max(1, int(1/l.rate+0.999))
}

// Sweep forgets clients idle for longer than the visitor TTL and reports
// how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	dropped := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, key)
			dropped++
		}
	}
	return dropped
}

// StartCleanup sweeps idle clients until ctx is cancelled.
func (l *Limiter) StartCleanup(ctx context.Context) {
	ticker := l.clock.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.Sweep()
			}
		}
	}()
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.key(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			httputil.WriteError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP keys on the first X-Forwarded-For hop, falling back to the
// connection's remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserOrIP keys authenticated requests on the learner and everything else
// on the client IP. It must run after auth.Handler.Middleware.
func UserOrIP(r *http.Request) string {
	if userID := auth.UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}
