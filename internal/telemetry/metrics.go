package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline outcomes by terminal state
	PipelineOutcomes *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec

	// Credential cache
	CredentialLookups *prometheus.CounterVec

	// Admission
	AdmissionRejections  *prometheus.CounterVec
	AdmissionStoreErrors prometheus.Counter

	// Tenant storage
	OpenHandles    prometheus.Gauge
	StorageCreated prometheus.Counter

	// Analytics side channel
	AnalyticsRecorded prometheus.Counter
	AnalyticsDropped  prometheus.Counter
}

// NewMetrics registers the gateway collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PipelineOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "widget_gateway_requests_total",
				Help: "Requests by terminal pipeline state",
			},
			[]string{"state"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "widget_gateway_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"stage"},
		),

		CredentialLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "widget_gateway_credential_lookups_total",
				Help: "Credential cache lookups by result",
			},
			[]string{"result"},
		),

		AdmissionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "widget_gateway_admission_rejections_total",
				Help: "Requests rejected by admission scope family",
			},
			[]string{"scope"},
		),

		AdmissionStoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "widget_gateway_admission_store_errors_total",
				Help: "Counter store failures during admission",
			},
		),

		OpenHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "widget_gateway_tenant_handles_open",
				Help: "Tenant storage handles currently held by requests",
			},
		),

		StorageCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "widget_gateway_tenant_storage_created_total",
				Help: "Tenant storage files created on first use",
			},
		),

		AnalyticsRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "widget_gateway_analytics_recorded_total",
				Help: "Analytics samples written",
			},
		),

		AnalyticsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "widget_gateway_analytics_dropped_total",
				Help: "Analytics samples dropped because the queue was full",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Outcome(state string) {
	if m == nil {
		return
	}
	m.PipelineOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) CredentialLookup(result string) {
	if m == nil {
		return
	}
	m.CredentialLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) AdmissionRejected(scope string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) AdmissionStoreError() {
	if m == nil {
		return
	}
	m.AdmissionStoreErrors.Inc()
}

func (m *Metrics) HandleOpened() {
	if m == nil {
		return
	}
	m.OpenHandles.Inc()
}

func (m *Metrics) HandleReleased() {
	if m == nil {
		return
	}
	m.OpenHandles.Dec()
}

func (m *Metrics) StorageFileCreated() {
	if m == nil {
		return
	}
	m.StorageCreated.Inc()
}

func (m *Metrics) AnalyticsWritten() {
	if m == nil {
		return
	}
	m.AnalyticsRecorded.Inc()
}

func (m *Metrics) AnalyticsDrop() {
	if m == nil {
		return
	}
	m.AnalyticsDropped.Inc()
}
