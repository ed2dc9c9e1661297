// Package metrics holds the Prometheus collectors for the import pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vendor_import"

const (
	MetricRuns             = "runs_total"
	MetricRowsProcessed    = "rows_processed_total"
	MetricRowsSkipped      = "rows_skipped_total"
	MetricBatchesCommitted = "batches_committed_total"
	MetricRecordsWritten   = "records_written_total"
	MetricBatchDuration    = "batch_duration_seconds"
	MetricActiveRuns       = "active_runs"
	MetricBusyRejections   = "busy_rejections_total"
	MetricStaleRuns        = "stale_runs"
)

// Metrics is the set of pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	runs             *prometheus.CounterVec
	rowsProcessed    prometheus.Counter
	rowsSkipped      prometheus.Counter
	batchesCommitted prometheus.Counter
	recordsWritten   *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	activeRuns       prometheus.Gauge
	busyRejections   prometheus.Counter
	staleRuns        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRuns,
			Help:      "Import runs finished, by outcome.",
		}, []string{"outcome"}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRowsProcessed,
			Help:      "Data rows read, including skipped rows.",
		}),
		rowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRowsSkipped,
			Help:      "Data rows rejected by the row parser.",
		}),
		batchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBatchesCommitted,
			Help:      "Vendor batches committed.",
		}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRecordsWritten,
			Help:      "Vendor records written, by operation.",
		}, []string{"op"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricBatchDuration,
			Help:      "Time to apply and commit one vendor batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricActiveRuns,
			Help:      "Import runs currently processing in this process.",
		}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBusyRejections,
			Help:      "Import requests rejected because another run held the lock.",
		}),
		staleRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricStaleRuns,
			Help:      "Pending or processing runs past the stale threshold at the last check.",
		}),
	}

	reg.MustRegister(
		m.runs,
		m.rowsProcessed,
		m.rowsSkipped,
		m.batchesCommitted,
		m.recordsWritten,
		m.batchDuration,
		m.activeRuns,
		m.busyRejections,
		m.staleRuns,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RunStarted marks a run as processing.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a run's outcome and clears it from the active gauge.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(outcome).Inc()
}

// RunRejected records an outcome for a run that never started processing.
func (m *Metrics) RunRejected(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// Busy records a request turned away by the import lock.
func (m *Metrics) Busy() {
	if m == nil {
		return
	}
	m.busyRejections.Inc()
}

// Rows records rows read and rows skipped.
func (m *Metrics) Rows(processed, skipped int) {
	if m == nil {
		return
	}
	m.rowsProcessed.Add(float64(processed))
	m.rowsSkipped.Add(float64(skipped))
}

// BatchCommitted records one committed batch.
func (m *Metrics) BatchCommitted(d time.Duration, inserted, updated int) {
	if m == nil {
		return
	}
	m.batchesCommitted.Inc()
	m.batchDuration.Observe(d.Seconds())
	m.recordsWritten.WithLabelValues("insert").Add(float64(inserted))
	m.recordsWritten.WithLabelValues("update").Add(float64(updated))
}

// StaleRuns sets the number of stale runs seen by the last check.
func (m *Metrics) StaleRuns(n int) {
	if m == nil {
		return
	}
	m.staleRuns.Set(float64(n))
}
