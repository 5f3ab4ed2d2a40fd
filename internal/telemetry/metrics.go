package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	Requests       *prometheus.CounterVec
	VendorAttempts *prometheus.CounterVec
	VendorLatency  *prometheus.HistogramVec
	CostUnresolved *prometheus.CounterVec
	LedgerSpooled  prometheus.Counter
	SpoolDepth     prometheus.Gauge
	IngestRecords  *prometheus.CounterVec
	DependencyUp   *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Proxy requests by vendor and final pipeline state",
			},
			[]string{"vendor", "outcome"},
		),
		VendorAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_vendor_attempts_total",
				Help: "Outbound vendor calls by result",
			},
			[]string{"vendor", "result"},
		),
		VendorLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_vendor_latency_seconds",
				Help:    "Outbound vendor call duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"vendor"},
		),
		CostUnresolved: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_unresolved_total",
				Help: "Usage records written without a price entry",
			},
			[]string{"vendor", "model"},
		),
		LedgerSpooled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_ledger_spooled_total",
				Help: "Usage records spooled after the ledger write failed",
			},
		),
		SpoolDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_ledger_spool_depth",
				Help: "Usage records waiting in the spool",
			},
		),
		IngestRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ingest_records_total",
				Help: "Edge-ingested usage records by result",
			},
			[]string{"result"},
		),
		DependencyUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_dependency_up",
				Help: "Status of dependencies (1 = up, 0 = down)",
			},
			[]string{"service"},
		),
	}
}
