// Package metrics holds the process Prometheus collectors. Everything is
// registered on a private registry so tests can build as many as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobsched/internal/task"
	"jobsched/internal/task/engine"
)

const namespace = "jobsched"

// Metrics implements scheduler.Metrics and engine.Observer.
type Metrics struct {
	reg *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	dispatched   prometheus.Counter
	controls     *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	fires        *prometheus.CounterVec
	finished     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	notifyDrops  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "ticks_total",
			Help: "Dispatcher ticks run.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "tick_duration_seconds",
			Help:    "Time spent in one dispatcher tick.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "dispatched_total",
			Help: "Tasks taken from the todo channel and launched.",
		}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "control_events_total",
			Help: "Control events applied, by action.",
		}, []string{"action"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "malformed_entries_total",
			Help: "Queue entries dropped as malformed, by channel.",
		}, []string{"channel"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Store operations that failed, by op.",
		}, []string{"op"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "fires_total",
			Help: "Task firings, by schedule type.",
		}, []string{"schedule_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "finished_total",
			Help: "Executors that reached a terminal state, by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "API requests, by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "API request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		notifyDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "dropped_total",
			Help: "Notifications dropped, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.dispatched, m.controls, m.malformed,
		m.storeErrors, m.fires, m.finished, m.httpRequests, m.httpDuration,
		m.notifyDrops,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterActiveExecutors exposes fn as the active executors gauge. It may be
// called once.
func (m *Metrics) RegisterActiveExecutors(fn func() int) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "executor", Name: "active",
		Help: "Executors currently running.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) TickObserved(took time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(took.Seconds())
}

func (m *Metrics) Dispatched()                  { m.dispatched.Inc() }
func (m *Metrics) ControlApplied(action string) { m.controls.WithLabelValues(action).Inc() }
func (m *Metrics) Malformed(channel string)     { m.malformed.WithLabelValues(channel).Inc() }
func (m *Metrics) StoreError(op string)         { m.storeErrors.WithLabelValues(op).Inc() }

func (m *Metrics) Fired(st task.ScheduleType) { m.fires.WithLabelValues(string(st)).Inc() }

func (m *Metrics) Finished(reason engine.Reason) {
	m.finished.WithLabelValues(string(reason)).Inc()
}

// ObserveHTTP records one request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *Metrics) NotifyDropped(reason string) { m.notifyDrops.WithLabelValues(reason).Inc() }
