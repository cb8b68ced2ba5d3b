package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type apiMetrics struct {
	registry        *prometheus.Registry
	eventsIngested  *prometheus.CounterVec
	ingestFailures  *prometheus.CounterVec
	fixAttempts     *prometheus.CounterVec
	fixRejections   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

// newAPIMetrics registers every collector on a private registry so handlers
// can be built more than once per process.
func newAPIMetrics(feed DropCounter) *apiMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &apiMetrics{
		registry: registry,
		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartlog_events_ingested_total",
			Help: "Events accepted by the ingestion gateway.",
		}, []string{"event_type"}),
		ingestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartlog_ingest_failures_total",
			Help: "Rejected or failed event submissions.",
		}, []string{"reason"}),
		fixAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartlog_fix_attempts_total",
			Help: "Auto-fix attempts by issue type and outcome.",
		}, []string{"issue_type", "outcome"}),
		fixRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartlog_fix_rejections_total",
			Help: "Fix requests refused before any action ran.",
		}, []string{"reason"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartlog_http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartlog_rate_limited_total",
			Help: "Requests rejected by the per-client token bucket.",
		}),
	}
	if feed != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "smartlog_context_feed_dropped_total",
			Help: "Context updates dropped because the feed buffer was full.",
		}, func() float64 { return float64(feed.Dropped()) })
	}
	return m
}

func (m *apiMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *apiMetrics) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(started).Seconds())
	})
}

func (m *apiMetrics) recordFix(issueType string, success bool) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.fixAttempts.WithLabelValues(issueType, outcome).Inc()
}
