package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpstreamFetches counts upstream calls by source and outcome (ok, error, rate_limited, skipped).
var UpstreamFetches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxdesk_upstream_fetch_total",
		Help: "Upstream fetches by source and outcome",
	},
	[]string{"source", "outcome"},
)

// UpstreamLatency records how long each upstream fetch took.
var UpstreamLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fxdesk_upstream_fetch_duration_seconds",
		Help:    "Latency in seconds of upstream fetches",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"source"},
)

// RetryAttempts counts individual P2P attempts made by the retry controller.
var RetryAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxdesk_retry_attempts_total",
		Help: "P2P fetch attempts by result",
	},
	[]string{"result"},
)

// ReconcileTier counts which fallback tier each reconciliation landed on.
var ReconcileTier = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxdesk_reconcile_tier_total",
		Help: "Reconciliation outcomes by rate type and tier",
	},
	[]string{"rate", "tier"},
)

// PersistFailures counts fail-soft persistence errors by operation.
var PersistFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxdesk_persist_failures_total",
		Help: "Persistence failures by operation",
	},
	[]string{"op"},
)

// Current state gauges.
var (
	USDTNGNRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxdesk_usdt_ngn_rate",
			Help: "Accepted USDT/NGN rate",
		},
	)

	CostPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxdesk_cost_price",
			Help: "Computed NGN cost price per currency",
		},
		[]string{"currency"},
	)

	Countdown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxdesk_countdown_seconds",
			Help: "Seconds until each refresh timer next fires",
		},
		[]string{"timer"},
	)
)

func init() {
	prometheus.MustRegister(UpstreamFetches, UpstreamLatency, RetryAttempts, ReconcileTier, PersistFailures)
	prometheus.MustRegister(USDTNGNRate, CostPrice, Countdown)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
