package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilResearchIsSafe(t *testing.T) {
	var m *Research
	m.CodeIssued(OutcomeCreated)
	m.CodeCollision()
	m.RegistryExhausted()
	m.SessionArchived(OutcomeCreated)
	m.PartialArchival()
	m.MessagesArchived(3)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected passthrough, got %d", rr.Code)
	}
}

func TestCountersAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CodeIssued(OutcomeCreated)
	m.CodeIssued(OutcomeCreated)
	m.CodeIssued(OutcomeExisting)
	m.CodeCollision()
	m.MessagesArchived(4)
	m.MessagesArchived(0)

	if got := testutil.ToFloat64(m.codesIssued.WithLabelValues(OutcomeCreated)); got != 2 {
		t.Fatalf("expected 2 created codes, got %v", got)
	}
	if got := testutil.ToFloat64(m.codesIssued.WithLabelValues(OutcomeExisting)); got != 1 {
		t.Fatalf("expected 1 existing code, got %v", got)
	}
	if got := testutil.ToFloat64(m.codeCollisions); got != 1 {
		t.Fatalf("expected 1 collision, got %v", got)
	}
	if got := testutil.ToFloat64(m.messagesArchived); got != 4 {
		t.Fatalf("expected 4 messages, got %v", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/research/sessions/{code}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Handle("/metrics", Handler(reg))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/research/sessions/RES-ABCDEF", nil))

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/research/sessions/{code}", "202"))
	if got != 1 {
		t.Fatalf("expected one request recorded under route pattern, got %v", got)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "research_http_requests_total") {
		t.Fatal("expected metrics output to include request counter")
	}
}
