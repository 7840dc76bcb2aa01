package api

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/auditchain/pkg/observability"
)

const (
	visitorTTL      = 3 * time.Minute
	cleanupInterval = time.Minute
)

// TenantRateLimiter keeps one token bucket per tenant.
type TenantRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter creates a limiter allowing rps requests per second per
// tenant with the given burst. rps <= 0 disables limiting.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether tenantID may make a request now, and if not, how long
// it should wait.
func (rl *TenantRateLimiter) Allow(tenantID string) (bool, time.Duration) {
	if rl == nil || rl.rps <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[tenantID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[tenantID] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Run evicts tenants idle for longer than three minutes until ctx is done.
func (rl *TenantRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(rl.now())
		}
	}
}

func (rl *TenantRateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(rl.visitors, id)
		}
	}
}

func (rl *TenantRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Middleware rejects requests over the tenant's budget with 429. It must be
// mounted below a route carrying {tenantID}.
func (rl *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(chi.URLParam(r, "tenantID"))
		if !ok {
			WriteTooManyRequests(w, r, int(math.Ceil(wait.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// tracing wraps each request in a server span and RED metrics. Responses
// with status 500 and above are recorded as errors.
func tracing(p *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			attrs := observability.HTTPRoute(r.Method, route)
			if tenantID := chi.URLParam(r, "tenantID"); tenantID != "" {
				attrs = append(attrs, observability.TenantOperation(tenantID)...)
			}

			ctx, finish := p.TrackOperation(r.Context(), r.Method+" "+route, attrs...)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			var err error
			if rec.status >= http.StatusInternalServerError {
				err = &ProblemDetail{Title: http.StatusText(rec.status), Status: rec.status}
			}
			finish(err)
		})
	}
}
