package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the runtime. Every method is
// safe to call on a nil receiver.
type Metrics struct {
	// Pipeline metrics
	pipelineRuns      *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	directiveOutcomes *prometheus.CounterVec

	// Cache metrics
	cacheLookups     *prometheus.CounterVec
	cacheWrites      *prometheus.CounterVec
	cacheInvalidated *prometheus.CounterVec
	writeBehindDepth prometheus.Gauge

	// Audit metrics
	auditEvents *prometheus.CounterVec

	// Reload metrics
	reloads         *prometheus.CounterVec
	tableGeneration prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers every collector on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_pipeline_runs_total",
				Help: "Pipelines executed by terminal state",
			},
			[]string{"state"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directived_pipeline_duration_seconds",
				Help:    "Pipeline execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		directiveOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_directive_outcomes_total",
				Help: "Directive executions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_cache_lookups_total",
				Help: "Cache reads by the tier that answered, or miss",
			},
			[]string{"result"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_cache_writes_total",
				Help: "Cache writes by tier and status",
			},
			[]string{"tier", "status"},
		),
		cacheInvalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_cache_invalidated_keys_total",
				Help: "Keys removed by pattern invalidation per tier",
			},
			[]string{"tier"},
		),
		writeBehindDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "directived_cache_write_behind_queue_depth",
				Help: "Authoritative writes waiting in the write-behind queue",
			},
		),
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_audit_events_total",
				Help: "Audit events by delivery status",
			},
			[]string{"status"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directived_table_reloads_total",
				Help: "Directive table reload attempts by result",
			},
			[]string{"result"},
		),
		tableGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "directived_table_generation",
				Help: "Generation number of the active directive table",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.pipelineRuns,
		m.pipelineDuration,
		m.directiveOutcomes,
		m.cacheLookups,
		m.cacheWrites,
		m.cacheInvalidated,
		m.writeBehindDepth,
		m.auditEvents,
		m.reloads,
		m.tableGeneration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPipeline counts one finished pipeline.
func (m *Metrics) RecordPipeline(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(state).Inc()
	m.pipelineDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RecordDirective counts one directive outcome.
func (m *Metrics) RecordDirective(kind, outcome string) {
	if m == nil {
		return
	}
	m.directiveOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a read answered by result ("l1", "l2", "l3" or
// "miss").
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWrite counts a write to one tier.
func (m *Metrics) RecordCacheWrite(tier string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.cacheWrites.WithLabelValues(tier, status).Inc()
}

// RecordCacheInvalidation adds n removed keys for tier.
func (m *Metrics) RecordCacheInvalidation(tier string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheInvalidated.WithLabelValues(tier).Add(float64(n))
}

// SetWriteBehindDepth reports the current write-behind queue length.
func (m *Metrics) SetWriteBehindDepth(n int) {
	if m == nil {
		return
	}
	m.writeBehindDepth.Set(float64(n))
}

// RecordAudit counts n audit events by status ("delivered", "dropped",
// "failed").
func (m *Metrics) RecordAudit(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditEvents.WithLabelValues(status).Add(float64(n))
}

// RecordReload counts a reload attempt and, on success, the new generation.
func (m *Metrics) RecordReload(result string, generation uint64) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
	if result == "ok" {
		m.tableGeneration.Set(float64(generation))
	}
}
