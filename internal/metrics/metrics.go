package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the ingestion path. Registered on the
// default registry and served by cmd/server's /metrics endpoint; Lambda
// deployments simply leave them unscraped.
var (
	// EventsIngested counts events accepted by the gateway
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_ingested_total",
		Help: "Number of chain-watcher events accepted by the ingestion gateway",
	})

	// EventsRejected counts rejected events, labeled by rejection reason
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_rejected_total",
		Help: "Number of chain-watcher events rejected by the ingestion gateway",
	}, []string{"reason"})

	// ConfirmationsApplied counts confirmation increments applied to records
	ConfirmationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_confirmations_applied_total",
		Help: "Number of confirmation increments applied to pending records",
	})

	// RecordsConfirmed counts records reaching the Confirmed state
	RecordsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_records_confirmed_total",
		Help: "Number of records that crossed the confirmation threshold",
	})

	// RecordsFailed counts records marked Failed
	RecordsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_records_failed_total",
		Help: "Number of records marked failed by the watcher or an operator",
	})

	// StaleSignals counts confirmation signals arriving after a record left
	// Pending; expected under at-least-once delivery
	StaleSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stale_signals_total",
		Help: "Number of confirmation signals ignored because the record was already terminal",
	})

	// OperationDuration tracks store operation latency by operation name
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_store_operation_duration_seconds",
		Help:    "Latency of record store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// MeasureOperation times fn and records its duration under the given
// operation label.
func MeasureOperation(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return err
}
