// Package metrics exposes the Prometheus instrumentation for the sync
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	BatchesStarted   *prometheus.CounterVec
	BatchesFinished  *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	RecordsProcessed *prometheus.CounterVec
	RecordsFailed    *prometheus.CounterVec
	DeltaOperations  *prometheus.CounterVec
	PendingChildren  prometheus.Gauge
	SourceFetchRows  *prometheus.CounterVec
}

// New builds a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		BatchesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_sync_batches_started_total",
			Help: "Sync batches started, by entity and sync type.",
		}, []string{"entity", "sync_type"}),
		BatchesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_sync_batches_finished_total",
			Help: "Sync batches finished, by entity and terminal status.",
		}, []string{"entity", "status"}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erpbridge_sync_batch_duration_seconds",
			Help:    "Wall-clock duration of sync batches.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"entity"}),
		RecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_records_processed_total",
			Help: "Records passing each pipeline stage.",
		}, []string{"entity", "stage"}),
		RecordsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_records_failed_total",
			Help: "Records dead-lettered, by entity and stage.",
		}, []string{"entity", "stage"}),
		DeltaOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_delta_operations_total",
			Help: "Delta classifications, by entity and operation.",
		}, []string{"entity", "operation"}),
		PendingChildren: factory.NewGauge(prometheus.GaugeOpts{
			Name: "erpbridge_pending_children",
			Help: "Children currently queued on absent parents.",
		}),
		SourceFetchRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erpbridge_source_rows_fetched_total",
			Help: "Rows fetched from the source gateway.",
		}, []string{"entity"}),
	}
}
