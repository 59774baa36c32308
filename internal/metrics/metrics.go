// Package metrics provides Prometheus metrics for the docmesh service
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline
type Metrics struct {
	// Job metrics
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	ChunksCreated prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	QueueEvents   *prometheus.CounterVec

	// Worker metrics
	ActiveJobs   prometheus.Gauge
	ConnPoolSize prometheus.Gauge

	// Vector store metrics
	VectorUpserts *prometheus.CounterVec
	VectorQueries *prometheus.CounterVec

	// Extraction metrics
	Extractions *prometheus.CounterVec

	// Recovery metrics
	StaleResets prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. A nil registerer
// falls back to the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmesh_jobs_processed_total",
			Help: "Total number of processing jobs handled, by outcome",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docmesh_job_duration_seconds",
			Help:    "Duration of document processing jobs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmesh_chunks_created_total",
			Help: "Total number of chunks created",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docmesh_queue_depth",
			Help: "Number of jobs in each queue state",
		}, []string{"state"}),
		QueueEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmesh_queue_events_total",
			Help: "Queue lifecycle events observed, by kind",
		}, []string{"kind"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docmesh_active_jobs",
			Help: "Jobs currently being processed by this worker pool",
		}),
		ConnPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docmesh_conn_pool_size",
			Help: "Number of pooled backend connections",
		}),
		VectorUpserts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmesh_vector_upserts_total",
			Help: "Vector records upserted, by outcome",
		}, []string{"outcome"}),
		VectorQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmesh_vector_query_total",
			Help: "Vector queries issued, by result status",
		}, []string{"status"}),
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmesh_extractions_total",
			Help: "Content extractions, by source kind and outcome",
		}, []string{"kind", "outcome"}),
		StaleResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmesh_stale_resets_total",
			Help: "Documents reset after exceeding the processing staleness threshold",
		}),
	}
}

// NewNoop returns metrics registered on a private registry, for tests and
// callers that do not expose /metrics.
func NewNoop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
