package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	poolIdleConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedquery_pool_idle_connections",
			Help: "Current count of idle pooled DuckDB connections.",
		},
	)
	poolConnectionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedquery_pool_connections_created_total",
			Help: "Total number of native DuckDB sessions created by the pool.",
		},
	)
	poolConnectionsDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedquery_pool_connections_discarded_total",
			Help: "Total number of pooled connections discarded after errors.",
		},
	)
	poolAcquireTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedquery_pool_acquire_timeouts_total",
			Help: "Total number of pool acquisitions that timed out.",
		},
	)
	poolAcquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedquery_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pooled connection.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)
	attachOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedquery_attach_outcomes_total",
			Help: "Data source attachment outcomes by result.",
		},
		[]string{"result"},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedquery_query_duration_seconds",
			Help:    "Federated query duration by outcome kind.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		poolIdleConnections,
		poolConnectionsCreatedTotal,
		poolConnectionsDiscardedTotal,
		poolAcquireTimeoutsTotal,
		poolAcquireWaitSeconds,
		attachOutcomesTotal,
		queryDurationSeconds,
	)
}

func SetPoolIdle(count int) {
	if count < 0 {
		count = 0
	}
	poolIdleConnections.Set(float64(count))
}

func IncPoolConnCreated() {
	poolConnectionsCreatedTotal.Inc()
}

func IncPoolConnDiscarded() {
	poolConnectionsDiscardedTotal.Inc()
}

func IncPoolAcquireTimeout() {
	poolAcquireTimeoutsTotal.Inc()
}

func ObservePoolAcquireWait(elapsed time.Duration) {
	poolAcquireWaitSeconds.Observe(elapsed.Seconds())
}

func IncAttachOutcome(result string) {
	attachOutcomesTotal.WithLabelValues(result).Inc()
}

func ObserveQuery(kind string, elapsed time.Duration) {
	queryDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}
