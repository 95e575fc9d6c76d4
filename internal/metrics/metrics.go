package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed on the worker's
// /metrics endpoint.
type Metrics struct {
	// Queue engine metrics
	QueueDepth        *prometheus.GaugeVec
	ClaimedTotal       *prometheus.CounterVec
	CompletedTotal     *prometheus.CounterVec
	FailedTotal        *prometheus.CounterVec
	OrphansReapedTotal *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Worker loop metrics
	ActiveWorkers prometheus.Gauge

	// Database metrics
	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsIdle  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBQueryDuration    *prometheus.HistogramVec
	DBQueriesTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowqueue_queue_depth",
				Help: "Current number of pending records by flow",
			},
			[]string{"flow"},
		),
		ClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowqueue_claimed_total",
				Help: "Total number of records claimed by flow",
			},
			[]string{"flow"},
		),
		CompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowqueue_completed_total",
				Help: "Total number of records completed by flow",
			},
			[]string{"flow"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowqueue_failed_total",
				Help: "Total number of records failed by flow and whether the failure was terminal",
			},
			[]string{"flow", "terminal"},
		),
		OrphansReapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowqueue_orphans_reaped_total",
				Help: "Total number of orphaned records recovered to pending by flow",
			},
			[]string{"flow"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowqueue_processing_duration_seconds",
				Help:    "Handler processing duration in seconds by flow and outcome",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"flow", "outcome"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowqueue_active_handlers",
				Help: "Number of handler goroutines currently in flight",
			},
		),
		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowqueue_db_connections_open",
				Help: "Number of open database connections by pool",
			},
			[]string{"pool"},
		),
		DBConnectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowqueue_db_connections_idle",
				Help: "Number of idle database connections by pool",
			},
			[]string{"pool"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowqueue_db_connections_in_use",
				Help: "Number of database connections in use by pool",
			},
			[]string{"pool"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowqueue_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"pool", "operation"},
		),
		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowqueue_db_queries_total",
				Help: "Total number of database queries by pool, operation, and status",
			},
			[]string{"pool", "operation", "status"},
		),
	}
}

// Register registers all metrics with the provided registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.QueueDepth,
		m.ClaimedTotal,
		m.CompletedTotal,
		m.FailedTotal,
		m.OrphansReapedTotal,
		m.ProcessingDuration,
		m.ActiveWorkers,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
		m.DBConnectionsInUse,
		m.DBQueryDuration,
		m.DBQueriesTotal,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// SetQueueDepth sets the current pending-record count for a flow.
func (m *Metrics) SetQueueDepth(flow string, depth float64) {
	m.QueueDepth.WithLabelValues(flow).Set(depth)
}

// RecordClaim increments the claimed counter for a flow by n records.
func (m *Metrics) RecordClaim(flow string, n int) {
	m.ClaimedTotal.WithLabelValues(flow).Add(float64(n))
}

// RecordComplete increments the completed counter for a flow.
func (m *Metrics) RecordComplete(flow string, durationSeconds float64) {
	m.CompletedTotal.WithLabelValues(flow).Inc()
	m.ProcessingDuration.WithLabelValues(flow, "completed").Observe(durationSeconds)
}

// RecordFail increments the failed counter for a flow, distinguishing
// terminal failures (retry_count exhausted) from requeued ones.
func (m *Metrics) RecordFail(flow string, terminal bool, durationSeconds float64) {
	label := "false"
	if terminal {
		label = "true"
	}
	m.FailedTotal.WithLabelValues(flow, label).Inc()
	m.ProcessingDuration.WithLabelValues(flow, "failed").Observe(durationSeconds)
}

// RecordOrphansReaped increments the orphan-recovery counter for a flow.
func (m *Metrics) RecordOrphansReaped(flow string, n int) {
	if n <= 0 {
		return
	}
	m.OrphansReapedTotal.WithLabelValues(flow).Add(float64(n))
}

// SetActiveHandlers sets the number of handler goroutines in flight.
func (m *Metrics) SetActiveHandlers(count float64) {
	m.ActiveWorkers.Set(count)
}

// SetDBConnectionPoolStats sets database connection pool statistics for a named pool.
func (m *Metrics) SetDBConnectionPoolStats(poolName string, open, idle, inUse int) {
	m.DBConnectionsOpen.WithLabelValues(poolName).Set(float64(open))
	m.DBConnectionsIdle.WithLabelValues(poolName).Set(float64(idle))
	m.DBConnectionsInUse.WithLabelValues(poolName).Set(float64(inUse))
}

// RecordDBQuery records a database query with pool, operation, status, and duration.
func (m *Metrics) RecordDBQuery(pool, operation, status string, durationSeconds float64) {
	m.DBQueriesTotal.WithLabelValues(pool, operation, status).Inc()
	m.DBQueryDuration.WithLabelValues(pool, operation).Observe(durationSeconds)
}
