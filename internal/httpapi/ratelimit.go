package httpapi

import (
	"expvar"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

var requestsThrottled = expvar.NewInt("requests_throttled_total")

// RateLimitConfig bounds the request rate per caller IP. Zero values fall
// back to defaults safe for a single clinic deployment.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

const (
	defaultPerMinute = 60
	defaultBurst     = 20

	// Callers silent this long get their bucket dropped, keeping the map
	// bounded under churn from one-off clients.
	callerIdleTimeout = 10 * time.Minute
	pruneInterval     = time.Minute
)

// RateLimiter is a token-bucket limiter keyed by caller IP. Buckets refill
// continuously at the configured per-minute rate.
type RateLimiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	callers   map[string]*callerBucket
	lastPrune time.Time
	nowFn     func() time.Time
}

type callerBucket struct {
	tokens   float64
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{
		rate:    float64(perMinute) / 60.0,
		burst:   float64(burst),
		callers: make(map[string]*callerBucket),
		nowFn:   time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (l *RateLimiter) WithClock(nowFn func() time.Time) *RateLimiter {
	l.nowFn = nowFn
	return l
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.allow(ip) {
			requestsThrottled.Add(1)
			writeError(w, r.Header.Get("X-Request-ID"), http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if now.Sub(l.lastPrune) >= pruneInterval {
		l.prune(now)
		l.lastPrune = now
	}

	b, ok := l.callers[key]
	if !ok {
		l.callers[key] = &callerBucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}
	tokens := b.tokens + now.Sub(b.lastSeen).Seconds()*l.rate
	if tokens > l.burst {
		tokens = l.burst
	}
	b.lastSeen = now
	if tokens < 1 {
		b.tokens = tokens
		return false
	}
	b.tokens = tokens - 1
	return true
}

func (l *RateLimiter) prune(now time.Time) {
	for key, b := range l.callers {
		if now.Sub(b.lastSeen) > callerIdleTimeout {
			delete(l.callers, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
