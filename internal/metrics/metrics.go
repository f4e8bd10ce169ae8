// Package metrics exposes Prometheus instrumentation for the ledger: append
// throughput and contention, verification findings, archival volume, and
// shipping outcomes.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workledger/go-core/internal/ledger"
)

// Metrics owns a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	appendsTotal      *prometheus.CounterVec
	appendErrorsTotal *prometheus.CounterVec
	appendDuration    prometheus.Histogram

	verifyRunsTotal     prometheus.Counter
	verifyFindingsTotal *prometheus.CounterVec

	archiveRunsTotal    prometheus.Counter
	archiveRecordsTotal prometheus.Counter

	shippedTotal     prometheus.Counter
	shipDroppedTotal prometheus.Counter
	shipFailedTotal  prometheus.Counter
}

// New creates a Metrics instance under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "appends_total",
				Help:      "Committed audit records by criticality class",
			},
			[]string{"class"},
		),
		appendErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "append_errors_total",
				Help:      "Failed appends by error kind",
			},
			[]string{"kind"},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "append_duration_seconds",
				Help:      "Append latency including tip lock wait",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		verifyRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "verify_runs_total",
				Help:      "Chain verification runs",
			},
		),
		verifyFindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "verify_findings_total",
				Help:      "Integrity violations found by reason",
			},
			[]string{"reason"},
		),
		archiveRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "archive_runs_total",
				Help:      "Completed archival operations",
			},
		),
		archiveRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "archive_records_total",
				Help:      "Records moved out of the live set",
			},
		),
		shippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shipper",
				Name:      "shipped_total",
				Help:      "Records exported downstream",
			},
		),
		shipDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shipper",
				Name:      "dropped_total",
				Help:      "Records dropped on a full shipping buffer",
			},
		),
		shipFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shipper",
				Name:      "failed_total",
				Help:      "Export attempts that failed",
			},
		),
	}

	registry.MustRegister(
		m.appendsTotal,
		m.appendErrorsTotal,
		m.appendDuration,
		m.verifyRunsTotal,
		m.verifyFindingsTotal,
		m.archiveRunsTotal,
		m.archiveRecordsTotal,
		m.shippedTotal,
		m.shipDroppedTotal,
		m.shipFailedTotal,
	)
	return m
}

// RecordAppend implements ledger.AppenderMetrics.
func (m *Metrics) RecordAppend(action string, critical bool, d time.Duration) {
	class := "standard"
	if critical {
		class = "critical"
	}
	m.appendsTotal.WithLabelValues(class).Inc()
	m.appendDuration.Observe(d.Seconds())
}

// RecordAppendError implements ledger.AppenderMetrics.
func (m *Metrics) RecordAppendError(err error) {
	kind := "storage"
	switch {
	case errors.Is(err, ledger.ErrWriteConflict):
		kind = "write_conflict"
	case errors.Is(err, ledger.ErrImmutabilityViolation):
		kind = "immutability_violation"
	}
	m.appendErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordVerifyRun counts one verification pass and its findings.
func (m *Metrics) RecordVerifyRun(findings []ledger.Finding) {
	m.verifyRunsTotal.Inc()
	for _, f := range findings {
		m.verifyFindingsTotal.WithLabelValues(f.Message).Inc()
	}
}

// RecordArchive implements archive.Metrics.
func (m *Metrics) RecordArchive(scope string, recordsArchived int64) {
	m.archiveRunsTotal.Inc()
	m.archiveRecordsTotal.Add(float64(recordsArchived))
}

// RecordShipped implements shipper.Metrics.
func (m *Metrics) RecordShipped() { m.shippedTotal.Inc() }

// RecordShipDropped implements shipper.Metrics.
func (m *Metrics) RecordShipDropped() { m.shipDroppedTotal.Inc() }

// RecordShipFailed implements shipper.Metrics.
func (m *Metrics) RecordShipFailed() { m.shipFailedTotal.Inc() }

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
