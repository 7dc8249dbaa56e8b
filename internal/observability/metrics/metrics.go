// Package metrics exposes fleet coordination metrics through Prometheus.
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	agents       *prometheus.GaugeVec
	jobs         *prometheus.GaugeVec
	escrowHeld   prometheus.Gauge
	assignments  prometheus.Counter
	recoveries   *prometheus.CounterVec
	disputes     *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	events       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates a Metrics instance whose collector names are prefixed by namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fleet"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents", Help: "Known agents by status.",
		}, []string{"status"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs", Help: "In-memory jobs by status.",
		}, []string{"status"}),
		escrowHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "escrow_held", Help: "Escrow amount not yet settled or released.",
		}),
		assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total", Help: "Jobs assigned to agents.",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recoveries_total", Help: "Jobs recovered from agents.",
		}, []string{"reason", "outcome"}),
		disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disputes_total", Help: "Disputes by lifecycle step.",
		}, []string{"step"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total", Help: "Escrow settlement attempts by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total", Help: "Inbound commands by type and result.",
		}, []string{"type", "result"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pass_duration_seconds", Help: "Duration of background passes.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"pass"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route, method and code.",
		}, []string{"route", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agents, m.jobs, m.escrowHeld, m.assignments, m.recoveries, m.disputes,
		m.settlements, m.events, m.passDuration, m.httpRequests, m.httpLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetAgents replaces the agents-by-status gauge values.
func (m *Metrics) SetAgents(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.agents.WithLabelValues(status).Set(float64(n))
	}
}

// SetJobs replaces the jobs-by-status gauge values and the held escrow total.
func (m *Metrics) SetJobs(byStatus map[string]int, escrowHeld int64) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.jobs.WithLabelValues(status).Set(float64(n))
	}
	m.escrowHeld.Set(float64(escrowHeld))
}

// ObserveAssignments counts jobs assigned in one pass.
func (m *Metrics) ObserveAssignments(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assignments.Add(float64(n))
}

// ObserveRecovery counts a recovered job.
func (m *Metrics) ObserveRecovery(reason string, failed bool) {
	if m == nil {
		return
	}
	outcome := "requeued"
	if failed {
		outcome = "failed"
	}
	m.recoveries.WithLabelValues(reason, outcome).Inc()
}

// ObserveDispute counts a dispute lifecycle step such as opened or resolved_for_agent.
func (m *Metrics) ObserveDispute(step string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(step).Inc()
}

// ObserveSettlements counts the results of a settlement sweep.
func (m *Metrics) ObserveSettlements(settled, refunded, deferred int) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues("settled").Add(float64(settled))
	m.settlements.WithLabelValues("refunded").Add(float64(refunded))
	m.settlements.WithLabelValues("deferred").Add(float64(deferred))
}

// ObserveEvent counts an inbound command.
func (m *Metrics) ObserveEvent(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(kind, result).Inc()
}

// ObservePass records the duration of a background pass.
func (m *Metrics) ObservePass(pass string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(d.Seconds())
}

// Middleware instruments requests served by a chi router, labelled by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}
