// Package metrics provides Prometheus metrics collection for the transfer
// engines, object-store client, and usage ledger.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the backend core.
type Metrics struct {
	// Object store call accounting, split by request class (A = mutation/list,
	// B = read/metadata) per the billing model.
	ObjectStoreCallsTotal    *prometheus.CounterVec
	ObjectStoreCallDuration  *prometheus.HistogramVec
	ObjectStoreBytesIngress  prometheus.Counter
	ObjectStoreBytesEgress   prometheus.Counter

	// Error metrics, tagged with the error taxonomy Kind.
	ErrorsTotal *prometheus.CounterVec

	// Transfer engine metrics.
	TransfersActive    *prometheus.GaugeVec
	TransferBytesTotal *prometheus.CounterVec

	// Usage ledger metrics.
	LedgerMergesTotal    *prometheus.CounterVec
	LedgerMergeDuration  prometheus.Histogram
	LedgerConflictsTotal prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ObjectStoreCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftpan_objectstore_calls_total",
				Help: "Total number of object store API calls by request class",
			},
			[]string{"service", "class", "method", "status"},
		),
		ObjectStoreCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swiftpan_objectstore_call_duration_seconds",
				Help:    "Object store API call duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "class", "method"},
		),
		ObjectStoreBytesIngress: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swiftpan_objectstore_bytes_ingress_total",
				Help: "Total request-body bytes sent to the object store (uploads)",
			},
		),
		ObjectStoreBytesEgress: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swiftpan_objectstore_bytes_egress_total",
				Help: "Total response-body bytes received from the object store (downloads)",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftpan_errors_total",
				Help: "Total number of errors by taxonomy kind",
			},
			[]string{"service", "kind", "operation"},
		),

		TransfersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swiftpan_transfers_active",
				Help: "Current number of active transfers by direction and state",
			},
			[]string{"direction", "state"},
		),
		TransferBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftpan_transfer_bytes_total",
				Help: "Total bytes transferred by direction",
			},
			[]string{"direction"},
		),

		LedgerMergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftpan_ledger_merges_total",
				Help: "Total number of usage ledger merge attempts",
			},
			[]string{"result"},
		),
		LedgerMergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swiftpan_ledger_merge_duration_seconds",
				Help:    "Duration of a usage ledger merge, including OCC retries",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		LedgerConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swiftpan_ledger_conflicts_total",
				Help: "Total number of If-Match conflicts observed during ledger merges",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swiftpan_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swiftpan_service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ObjectStoreCallsTotal,
			m.ObjectStoreCallDuration,
			m.ObjectStoreBytesIngress,
			m.ObjectStoreBytesEgress,
			m.ErrorsTotal,
			m.TransfersActive,
			m.TransferBytesTotal,
			m.LedgerMergesTotal,
			m.LedgerMergeDuration,
			m.LedgerConflictsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordObjectStoreCall records a single object store API call.
func (m *Metrics) RecordObjectStoreCall(service, class, method, status string, duration time.Duration) {
	m.ObjectStoreCallsTotal.WithLabelValues(service, class, method, status).Inc()
	m.ObjectStoreCallDuration.WithLabelValues(service, class, method).Observe(duration.Seconds())
}

// RecordIngress adds n bytes to the ingress (upload) byte counter: bytes
// sent in a request body to the object store.
func (m *Metrics) RecordIngress(n int64) {
	m.ObjectStoreBytesIngress.Add(float64(n))
}

// RecordEgress adds n bytes to the egress (download) byte counter: bytes
// received in a response body from the object store.
func (m *Metrics) RecordEgress(n int64) {
	m.ObjectStoreBytesEgress.Add(float64(n))
}

// RecordError records an error tagged with its taxonomy kind.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// SetTransfersActive sets the active transfer gauge for a direction/state pair.
func (m *Metrics) SetTransfersActive(direction, state string, count int) {
	m.TransfersActive.WithLabelValues(direction, state).Set(float64(count))
}

// RecordTransferBytes adds n bytes moved in the given direction ("upload" or
// "download") to the cumulative transfer counter.
func (m *Metrics) RecordTransferBytes(direction string, n int64) {
	m.TransferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordLedgerMerge records the outcome and duration of a usage ledger merge.
func (m *Metrics) RecordLedgerMerge(result string, conflicted bool, duration time.Duration) {
	m.LedgerMergesTotal.WithLabelValues(result).Inc()
	m.LedgerMergeDuration.Observe(duration.Seconds())
	if conflicted {
		m.LedgerConflictsTotal.Inc()
	}
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// Helper functions

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("SWIFTPAN_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return environment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
