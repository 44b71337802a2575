// Package metrics exposes Prometheus metrics for visit ingestion and the
// HelloNote sync jobs.
package metrics

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IngestMetrics records the outcome of ingestion batches and hold syncs.
type IngestMetrics struct {
	batchesTotal    *prometheus.CounterVec   // batches by source and status
	batchDuration   *prometheus.HistogramVec // seconds per batch by source
	visitsInserted  *prometheus.CounterVec   // rows written by source
	visitsSkipped   *prometheus.CounterVec   // duplicate note ids by source
	visitUIDsIssued *prometheus.CounterVec   // new visit UIDs by source
	holdsUpdated    prometheus.Counter
	lastSuccess     *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewIngestMetrics creates the ingestion metrics and registers them with registry.
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

func (m *IngestMetrics) initMetrics() {
	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visit_ingest_batches_total",
			Help: "Total number of ingestion batches by source and status",
		},
		[]string{"source", "status"}, // status: success, error
	)
	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visit_ingest_batch_duration_seconds",
			Help:    "Time taken to ingest one batch",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)
	m.visitsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visit_ingest_inserted_total",
			Help: "Visits written to storage",
		},
		[]string{"source"},
	)
	m.visitsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visit_ingest_skipped_total",
			Help: "Records skipped because their note id was already stored or repeated in the batch",
		},
		[]string{"source"},
	)
	m.visitUIDsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visit_uids_issued_total",
			Help: "New visit UIDs allocated",
		},
		[]string{"source"},
	)
	m.holdsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visit_holds_updated_total",
		Help: "Visits flagged on hold by the hold sync",
	})
	m.lastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visit_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful batch by source",
		},
		[]string{"source"},
	)
}

// Describe implements prometheus.Collector.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.batchesTotal.Describe(ch)
	m.batchDuration.Describe(ch)
	m.visitsInserted.Describe(ch)
	m.visitsSkipped.Describe(ch)
	m.visitUIDsIssued.Describe(ch)
	m.holdsUpdated.Describe(ch)
	m.lastSuccess.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.batchesTotal.Collect(ch)
	m.batchDuration.Collect(ch)
	m.visitsInserted.Collect(ch)
	m.visitsSkipped.Collect(ch)
	m.visitUIDsIssued.Collect(ch)
	m.holdsUpdated.Collect(ch)
	m.lastSuccess.Collect(ch)
}

// BatchCompleted records a successful batch.
func (m *IngestMetrics) BatchCompleted(source string, inserted int64, skipped, created int, elapsed time.Duration) {
	m.batchesTotal.WithLabelValues(source, "success").Inc()
	m.batchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.visitsInserted.WithLabelValues(source).Add(float64(inserted))
	m.visitsSkipped.WithLabelValues(source).Add(float64(skipped))
	m.visitUIDsIssued.WithLabelValues(source).Add(float64(created))
	m.lastSuccess.WithLabelValues(source).Set(float64(time.Now().Unix()))
}

// BatchFailed records a batch that returned an error. Rows written by
// chunks that committed before the failure are still counted.
func (m *IngestMetrics) BatchFailed(source string, inserted int64, elapsed time.Duration) {
	m.batchesTotal.WithLabelValues(source, "error").Inc()
	m.batchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.visitsInserted.WithLabelValues(source).Add(float64(inserted))
}

// HoldsUpdated records visits flagged by a hold sync.
func (m *IngestMetrics) HoldsUpdated(n int64) {
	m.holdsUpdated.Add(float64(n))
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
