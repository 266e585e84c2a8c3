// Package metrics defines the Prometheus collectors exported by the indexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "indexer"

var (
	// StepDuration observes the wall time of one generation step.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of a generation step, including enrichment and persistence",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// EntitiesPersisted counts entities handed to the store per kind and write mode.
	EntitiesPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_persisted_total",
			Help:      "Entities written to the store",
		},
		[]string{"kind", "mode"},
	)

	// StepFailures counts aborted generation steps.
	StepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Generation steps that aborted their batch",
		},
		[]string{"kind"},
	)

	// EnrichRequests counts enrichment fetches by outcome (ok, error).
	EnrichRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_requests_total",
			Help:      "Enrichment provider requests",
		},
		[]string{"result"},
	)

	// Batches counts processed batches by final status.
	Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed by the ingest loop",
		},
		[]string{"status"},
	)

	// LastBlock is the highest block of the last committed batch.
	LastBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_indexed_block",
			Help:      "Highest block number of the most recently committed batch",
		},
	)

	// HTTPRequests counts requests served by the HTTP API.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// Registry holds every indexer collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		StepDuration,
		EntitiesPersisted,
		StepFailures,
		EnrichRequests,
		Batches,
		LastBlock,
		HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// StatusLabel buckets an HTTP status code for labeling.
func StatusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
