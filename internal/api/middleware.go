package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	logx "jobsched/pkg/logx"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

// HTTPObserver records one finished request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, code int, took time.Duration)
}

// RateLimiter is a process-wide token bucket that can be retuned at runtime.
type RateLimiter struct {
	mu  sync.RWMutex
	lim *rate.Limiter // nil means unlimited
}

func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	l := &RateLimiter{}
	l.Apply(perSec, burst)
	return l
}

// Apply swaps the limit. perSec <= 0 disables limiting.
func (l *RateLimiter) Apply(perSec float64, burst int) {
	var lim *rate.Limiter
	if perSec > 0 {
		if burst <= 0 {
			burst = max(1, int(perSec))
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	l.mu.Lock()
	l.lim = lim
	l.mu.Unlock()
}

func (l *RateLimiter) Allow() bool {
	l.mu.RLock()
	lim := l.lim
	l.mu.RUnlock()
	return lim == nil || lim.Allow()
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request and reports it to obs. The route label is
// the matched chi pattern so ids do not explode label cardinality.
func requestLogger(log logx.Logger, obs HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			took := time.Since(start)
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			if obs != nil {
				obs.ObserveHTTP(r.Method, route, status, took)
			}

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("route", route),
				logx.Int("status", status),
				logx.Duration("took", took),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
