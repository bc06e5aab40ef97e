package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation outcomes used as the "outcome" label.
const (
	OutcomeFired       = "fired"
	OutcomeNotFired    = "not_fired"
	OutcomeSuppressed  = "suppressed"
	OutcomeOracleError = "oracle_error"
)

var (
	// Monitor metrics
	MonitorCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradewatch_monitor_cycles_total",
			Help: "Total number of monitoring cycles run",
		},
	)

	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewatch_rule_evaluations_total",
			Help: "Total number of rule evaluations by outcome",
		},
		[]string{"outcome"},
	)

	OracleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradewatch_oracle_duration_seconds",
			Help:    "Query oracle latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	AlertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewatch_alerts_dispatched_total",
			Help: "Total number of alert deliveries by channel and status",
		},
		[]string{"channel", "status"}, // status: sent, failed
	)

	// Ingestion metrics
	RecordsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewatch_records_ingested_total",
			Help: "Total number of new provider records stored",
		},
		[]string{"source"},
	)

	ETLJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewatch_etl_jobs_total",
			Help: "Total number of ETL jobs processed",
		},
		[]string{"type", "status"}, // status: completed, failed
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewatch_http_requests_total",
			Help: "Total number of management API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveOracle records one oracle call.
func ObserveOracle(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OracleDuration.WithLabelValues(status).Observe(d.Seconds())
}
