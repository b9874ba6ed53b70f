// Package api serves the job HTTP API over chi.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "jobsched/pkg/logx"
)

type Deps struct {
	Jobs      JobService
	Scheduler SchedulerView
	Store     Pinger
	Log       logx.Logger
	// Limiter may be nil (no limit).
	Limiter  *RateLimiter
	Observer HTTPObserver
	Metrics  http.Handler
	Pprof    bool
}

// NewRouter builds the route tree:
//
//	POST   /api/jobs
//	GET    /api/jobs/{id}
//	PUT    /api/jobs/{id}
//	DELETE /api/jobs/{id}
//	GET    /api/scheduler
//	GET    /healthz
//	GET    /metrics
//	       /debug/*      (pprof, when enabled)
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{jobs: d.Jobs, scheduler: d.Scheduler, store: d.Store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log, d.Observer))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Get("/scheduler", h.schedulerSnapshot)
		r.Post("/jobs", h.create)
		r.Get("/jobs/{id}", h.get)
		r.Put("/jobs/{id}", h.update)
		r.Delete("/jobs/{id}", h.delete)
	})
	return r
}
