// Package metrics exposes Prometheus counters for the research archive.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Code issuance outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeExisting     = "existing"
	OutcomeRaceResolved = "race_resolved"
)

// Research holds the registry, archiver and HTTP collectors. A nil
// *Research is valid and records nothing.
type Research struct {
	codesIssued       *prometheus.CounterVec
	codeCollisions    prometheus.Counter
	registryExhausted prometheus.Counter
	sessionsArchived  *prometheus.CounterVec
	partialArchivals  prometheus.Counter
	messagesArchived  prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Research {
	m := &Research{
		codesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "research_codes_issued_total",
				Help: "Research codes returned by the registry, by outcome",
			},
			[]string{"outcome"},
		),
		codeCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_code_collisions_total",
			Help: "Generated candidates that were already taken",
		}),
		registryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_registry_exhausted_total",
			Help: "Code creations that ran out of attempts",
		}),
		sessionsArchived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "research_sessions_archived_total",
				Help: "Session archival calls, by outcome",
			},
			[]string{"outcome"},
		),
		partialArchivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_partial_archivals_total",
			Help: "Sessions persisted whose transcript failed to persist",
		}),
		messagesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_messages_archived_total",
			Help: "Transcript messages written",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "research_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "research_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.codesIssued,
			m.codeCollisions,
			m.registryExhausted,
			m.sessionsArchived,
			m.partialArchivals,
			m.messagesArchived,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CodeIssued records a code returned to a caller.
func (m *Research) CodeIssued(outcome string) {
	if m == nil {
		return
	}
	m.codesIssued.WithLabelValues(outcome).Inc()
}

// CodeCollision records a taken candidate.
func (m *Research) CodeCollision() {
	if m == nil {
		return
	}
	m.codeCollisions.Inc()
}

// RegistryExhausted records a code creation that gave up.
func (m *Research) RegistryExhausted() {
	if m == nil {
		return
	}
	m.registryExhausted.Inc()
}

// SessionArchived records a session archival call.
func (m *Research) SessionArchived(outcome string) {
	if m == nil {
		return
	}
	m.sessionsArchived.WithLabelValues(outcome).Inc()
}

// PartialArchival records a session stored without its transcript.
func (m *Research) PartialArchival() {
	if m == nil {
		return
	}
	m.partialArchivals.Inc()
}

// MessagesArchived records written transcript lines.
func (m *Research) MessagesArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesArchived.Add(float64(n))
}

// Middleware records request counts and latency by chi route pattern.
func (m *Research) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
