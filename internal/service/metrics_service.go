package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine action labels recorded against the sync_actions_total counter.
const (
	ActionEnrol        = "enrol"
	ActionUpdate       = "update"
	ActionUnenrol      = "unenrol"
	ActionSuspend      = "suspend"
	ActionRoleAssign   = "role_assign"
	ActionRoleUnassign = "role_unassign"
	ActionSkip         = "skip"
	ActionError        = "error"
)

// MetricsService encapsulates Prometheus instrumentation for the sync
// engine and the SIS client.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	syncActions        *prometheus.CounterVec
	syncRuns           prometheus.Counter
	lastCompleted      prometheus.Gauge
	sisRequestDuration *prometheus.HistogramVec
	sisRequestTotal    *prometheus.CounterVec
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
}

// NewMetricsService registers the core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	syncActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_actions_total",
		Help: "Total reconciliation actions by type",
	}, []string{"action"})

	syncRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "Total scheduler runs",
	})

	lastCompleted := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_last_completed_timestamp_seconds",
		Help: "Unix time of the last uninterrupted full sweep",
	})

	sisRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sis_request_duration_seconds",
		Help:    "Duration of SIS API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	sisRequestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sis_requests_total",
		Help: "Total SIS API requests",
	}, []string{"endpoint", "outcome"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sis_cache_hits_total",
		Help: "Total SIS response cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sis_cache_misses_total",
		Help: "Total SIS response cache misses",
	})

	registry.MustRegister(syncActions, syncRuns, lastCompleted, sisRequestDuration, sisRequestTotal, cacheHits, cacheMisses)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		syncActions:        syncActions,
		syncRuns:           syncRuns,
		lastCompleted:      lastCompleted,
		sisRequestDuration: sisRequestDuration,
		sisRequestTotal:    sisRequestTotal,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// RecordAction counts one reconciliation action.
func (m *MetricsService) RecordAction(action string) {
	if m == nil {
		return
	}
	m.syncActions.WithLabelValues(action).Inc()
}

// RecordRun counts one scheduler run.
func (m *MetricsService) RecordRun() {
	if m == nil {
		return
	}
	m.syncRuns.Inc()
}

// SetLastCompleted records the end of an uninterrupted full sweep.
func (m *MetricsService) SetLastCompleted(t time.Time) {
	if m == nil {
		return
	}
	m.lastCompleted.Set(float64(t.Unix()))
}

// ObserveSISRequest implements the SIS client metrics hook.
func (m *MetricsService) ObserveSISRequest(endpoint string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.sisRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	m.sisRequestTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordCacheLookup implements the SIS client metrics hook.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
