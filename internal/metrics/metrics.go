// Package metrics defines the engine's Prometheus collectors and the
// /metrics handler. Collectors are registered on a private registry so tests
// and embedded deployments never hit duplicate-registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// ChatOutcomes counts pipeline results by tenant and outcome
	// (resolved, escalated, blocked, fallback, procedure, cached).
	ChatOutcomes *prometheus.CounterVec

	// PipelineDuration observes end-to-end handle latency.
	PipelineDuration *prometheus.HistogramVec

	// CacheLookups counts semantic cache hits and misses.
	CacheLookups *prometheus.CounterVec

	// IngestJobs counts completed ingestion jobs by status.
	IngestJobs *prometheus.CounterVec

	// ConnectorCalls counts procedure connector calls by status.
	ConnectorCalls *prometheus.CounterVec

	// LLMCalls counts completion calls by provider and status.
	LLMCalls *prometheus.CounterVec
}

// New creates and registers the engine collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ChatOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calmdesk",
			Name:      "chat_outcomes_total",
			Help:      "Chat pipeline results by outcome.",
		}, []string{"tenant", "outcome"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calmdesk",
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end message handling latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tenant"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calmdesk",
			Name:      "cache_lookups_total",
			Help:      "Semantic cache lookups by result.",
		}, []string{"tenant", "result"}),
		IngestJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calmdesk",
			Name:      "ingest_jobs_total",
			Help:      "Knowledge ingestion jobs by status.",
		}, []string{"tenant", "status"}),
		ConnectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calmdesk",
			Name:      "connector_calls_total",
			Help:      "Procedure connector HTTP calls by status.",
		}, []string{"tenant", "status"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calmdesk",
			Name:      "llm_calls_total",
			Help:      "LLM completion calls by provider and status.",
		}, []string{"provider", "status"}),
	}
	registry.MustRegister(
		m.ChatOutcomes,
		m.PipelineDuration,
		m.CacheLookups,
		m.IngestJobs,
		m.ConnectorCalls,
		m.LLMCalls,
	)
	return m
}

// ObservePipeline records one handled message.
func (m *Metrics) ObservePipeline(tenantID, outcome string, elapsed time.Duration) {
	m.ChatOutcomes.WithLabelValues(tenantID, outcome).Inc()
	m.PipelineDuration.WithLabelValues(tenantID).Observe(elapsed.Seconds())
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
