// Package observability provides Prometheus metrics for merge and backfill runs.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Merge metrics
	MergesTotal      *prometheus.CounterVec
	MergeDuration    *prometheus.HistogramVec
	MergeConflicts   *prometheus.CounterVec
	MergeRowsWritten *prometheus.GaugeVec

	// Backfill metrics
	BackfillTasks    *prometheus.CounterVec
	BackfillDuration prometheus.Histogram
	IndexRequests    *prometheus.CounterVec

	// Mirror metrics
	MirrorTransfers *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finarchive_merges_total",
				Help: "Total number of merge calls by outcome",
			},
			[]string{"dataset", "outcome"},
		),

		MergeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finarchive_merge_duration_seconds",
				Help:    "Duration of merge calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"dataset"},
		),

		MergeConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finarchive_merge_conflicts_total",
				Help: "Total number of conflicting key tuples by resolution",
			},
			[]string{"dataset", "resolution"},
		),

		MergeRowsWritten: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finarchive_archive_rows",
				Help: "Number of rows in the archive after the last merge",
			},
			[]string{"dataset"},
		),

		BackfillTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finarchive_backfill_tasks_total",
				Help: "Total number of per-day backfill tasks by status",
			},
			[]string{"status"},
		),

		BackfillDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "finarchive_backfill_duration_seconds",
				Help:    "Duration of backfill runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		IndexRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finarchive_index_requests_total",
				Help: "Total number of web-archive index requests by status",
			},
			[]string{"status"},
		),

		MirrorTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finarchive_mirror_transfers_total",
				Help: "Total number of mirror transfers by direction and status",
			},
			[]string{"direction", "status"},
		),
	}
}

// ObserveMerge records one merge call.
func (m *Metrics) ObserveMerge(dataset, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(dataset, outcome).Inc()
	m.MergeDuration.WithLabelValues(dataset).Observe(d.Seconds())
}

// AddConflicts records conflicting key tuples resolved with resolution.
func (m *Metrics) AddConflicts(dataset, resolution string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MergeConflicts.WithLabelValues(dataset, resolution).Add(float64(n))
}

// SetArchiveRows records the archive size after a merge.
func (m *Metrics) SetArchiveRows(dataset string, n int) {
	if m == nil {
		return
	}
	m.MergeRowsWritten.WithLabelValues(dataset).Set(float64(n))
}

// IncBackfillTask records one per-day task by status: ok, no_capture,
// index_error, fetch_error or extract_error.
func (m *Metrics) IncBackfillTask(status string) {
	if m == nil {
		return
	}
	m.BackfillTasks.WithLabelValues(status).Inc()
}

// ObserveBackfill records the duration of a backfill run.
func (m *Metrics) ObserveBackfill(d time.Duration) {
	if m == nil {
		return
	}
	m.BackfillDuration.Observe(d.Seconds())
}

// IncIndexRequest records one index request with status "ok", "retry" or "error".
func (m *Metrics) IncIndexRequest(status string) {
	if m == nil {
		return
	}
	m.IndexRequests.WithLabelValues(status).Inc()
}

// IncMirrorTransfer records one mirror transfer.
func (m *Metrics) IncMirrorTransfer(direction, status string) {
	if m == nil {
		return
	}
	m.MirrorTransfers.WithLabelValues(direction, status).Inc()
}
