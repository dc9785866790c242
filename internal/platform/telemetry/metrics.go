package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inpatient"

// Metrics is the set of collectors used by the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	CounterDriftTotal *prometheus.CounterVec
	WardsReconciled   prometheus.Counter

	AuditDropped *prometheus.CounterVec
	CensusCache  *prometheus.CounterVec
	Directory    *prometheus.CounterVec
}

// NewMetrics registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route", "status"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served.",
		}),

		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "operations_total",
			Help:      "Catalog and admission operations by outcome.",
		}, []string{"operation", "outcome"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "operation_duration_seconds",
			Help:      "Catalog and admission operation latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"operation"}),

		CounterDriftTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "counter_drift_total",
			Help:      "Absolute drift found between ward counters and bed states, by bucket. Alert if non-zero.",
		}, []string{"bucket"}),

		WardsReconciled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "wards_reconciled_total",
			Help:      "Wards recounted by reconciliation.",
		}),

		AuditDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Audit events dropped because the buffer was full or the sink failed.",
		}, []string{"reason"}),

		CensusCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "census",
			Name:      "cache_lookups_total",
			Help:      "Census snapshot cache lookups by result.",
		}, []string{"result"}),

		Directory: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "lookups_total",
			Help:      "Patient and staff directory lookups by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordDrift(bucket string, n int) {
	if m == nil || n == 0 {
		return
	}
	if n < 0 {
		n = -n
	}
	m.CounterDriftTotal.WithLabelValues(bucket).Add(float64(n))
}

func (m *Metrics) WardReconciled() {
	if m == nil {
		return
	}
	m.WardsReconciled.Inc()
}

func (m *Metrics) AuditDrop(reason string) {
	if m == nil {
		return
	}
	m.AuditDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CensusCache.WithLabelValues(result).Inc()
}

func (m *Metrics) DirectoryLookup(kind, result string) {
	if m == nil {
		return
	}
	m.Directory.WithLabelValues(kind, result).Inc()
}
