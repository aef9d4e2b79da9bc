package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/albapepper/hush/internal/api/respond"
	"github.com/albapepper/hush/internal/metrics"
)

// --------------------------------------------------------------------------
// Request timing middleware
// --------------------------------------------------------------------------

// TimingMiddleware adds the X-Process-Time header to all responses.
func TimingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&timingWriter{ResponseWriter: w, start: time.Now()}, r)
	})
}

// timingWriter stamps the header just before the status line goes out;
// headers set after WriteHeader are dropped.
type timingWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (t *timingWriter) WriteHeader(code int) {
	if !t.stamped {
		t.stamped = true
		elapsed := time.Since(t.start)
		t.Header().Set("X-Process-Time", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000.0))
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	if !t.stamped {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// --------------------------------------------------------------------------
// Metrics middleware
// --------------------------------------------------------------------------

// MetricsMiddleware counts requests by chi route pattern and status code.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(route, strconv.Itoa(status))
	})
}

// --------------------------------------------------------------------------
// Rate limiting middleware (IP-based token bucket)
// --------------------------------------------------------------------------

// ClientLimiter holds one token bucket per client IP. Buckets that have
// refilled completely carry no state and are dropped by Evict.
type ClientLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	rate       rate.Limit
	burst      int
	retryAfter string
	now        func() time.Time
}

// NewClientLimiter allows requestsPerWindow per client IP, with bursts of
// half that.
func NewClientLimiter(requestsPerWindow int, window time.Duration) *ClientLimiter {
	rps := float64(requestsPerWindow) / window.Seconds()
	return &ClientLimiter{
		limiters:   make(map[string]*rate.Limiter),
		rate:       rate.Limit(rps),
		burst:      max(1, requestsPerWindow/2),
		retryAfter: strconv.Itoa(int(window.Seconds())),
		now:        time.Now,
	}
}

func (l *ClientLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter.AllowN(l.now(), 1)
}

// Evict drops buckets that are full again and returns how many went.
func (l *ClientLimiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for ip, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, ip)
			dropped++
		}
	}
	return dropped
}

// Len is the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rate-limits requests by client IP.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !l.allow(ip) {
			w.Header().Set("Retry-After", l.retryAfter)
			respond.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
