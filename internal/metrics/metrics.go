package metrics

import (
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports ledger operation metrics to Prometheus.
type Recorder struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	VersionConflicts  *prometheus.CounterVec
}

func NewRecorder(registry *prometheus.Registry) *Recorder {
	recorder := &Recorder{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_operations_total",
				Help: "Ledger operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		VersionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_version_conflicts_total",
				Help: "Lost compare-and-swap attempts that were retried.",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(recorder.Operations, recorder.OperationDuration, recorder.VersionConflicts)
	return recorder
}

// ObserveOperation implements ledger.MetricsRecorder.
func (recorder *Recorder) ObserveOperation(operation string, outcome ledger.Outcome, duration time.Duration) {
	recorder.Operations.WithLabelValues(operation, string(outcome)).Inc()
	recorder.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncVersionConflict implements ledger.MetricsRecorder.
func (recorder *Recorder) IncVersionConflict(operation string) {
	recorder.VersionConflicts.WithLabelValues(operation).Inc()
}
