// Package telemetry exposes the engine's operational metrics.
//
// One registry per process; the daemon serves it on /metrics. Counters are
// safe to bump from any goroutine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	RunsFailed    *prometheus.CounterVec
	TokensIndexed prometheus.Counter
	EmbedBatches  prometheus.Counter
	FilesReused   prometheus.Counter
	Searches      prometheus.Counter
	QueueDepth    prometheus.Gauge
	ActiveRuns    prometheus.Gauge
}

// New creates and registers the engine metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_runs_started_total",
			Help: "Indexing runs started, by mode (full or incremental).",
		}, []string{"mode"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_runs_completed_total",
			Help: "Indexing runs completed successfully, by mode.",
		}, []string{"mode"}),
		RunsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_runs_failed_total",
			Help: "Indexing runs that ended in failure, by mode.",
		}, []string{"mode"}),
		TokensIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeindex_tokens_indexed_total",
			Help: "Tokens written to the vector store or reused.",
		}),
		EmbedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeindex_embed_batches_total",
			Help: "Embedding requests issued.",
		}),
		FilesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeindex_files_reused_total",
			Help: "Files skipped because their content hash was unchanged.",
		}),
		Searches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeindex_searches_total",
			Help: "Vector search queries served.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codeindex_queue_depth",
			Help: "Jobs waiting in the indexing queue.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codeindex_active_runs",
			Help: "Indexing runs currently executing.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsStarted, m.RunsCompleted, m.RunsFailed,
		m.TokensIndexed, m.EmbedBatches, m.FilesReused,
		m.Searches, m.QueueDepth, m.ActiveRuns,
	)
	return m
}
