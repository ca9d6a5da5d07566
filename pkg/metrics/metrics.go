package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_cycles_total",
			Help: "Total number of poll cycles by connection and result",
		},
		[]string{"connection", "result"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pollbridge_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connection"},
	)

	OrdersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_orders_sent_total",
			Help: "Total number of envelopes delivered to the webhook",
		},
		[]string{"connection"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_orders_failed_total",
			Help: "Total number of envelopes that failed dispatch",
		},
		[]string{"connection"},
	)

	OrdersSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_orders_skipped_total",
			Help: "Total number of candidates skipped by the delivery ledger",
		},
		[]string{"connection"},
	)

	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollbridge_retry_queue_depth",
			Help: "Pending retry items per connection",
		},
		[]string{"connection"},
	)

	// Breaker metrics. State is encoded 0=closed, 1=half_open, 2=open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollbridge_breaker_state",
			Help: "Circuit breaker state per connection (0=closed, 1=half_open, 2=open)",
		},
		[]string{"connection"},
	)

	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_breaker_trips_total",
			Help: "Total number of breaker transitions to open",
		},
		[]string{"connection"},
	)

	// Scheduler metrics
	TaskRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbridge_task_restarts_total",
			Help: "Total number of supervised task restarts after a panic",
		},
		[]string{"connection"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pollbridge_connections_active",
			Help: "Number of connections currently scheduled",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(OrdersSent)
	prometheus.MustRegister(OrdersFailed)
	prometheus.MustRegister(OrdersSkipped)
	prometheus.MustRegister(RetryQueueDepth)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTrips)
	prometheus.MustRegister(TaskRestarts)
	prometheus.MustRegister(ConnectionsActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
