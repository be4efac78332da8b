// Package metrics provides Prometheus instrumentation of repository
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xaenox/botadmin/internal/dberrors"
)

// Recorder counts operations by result and tracks their latency.
type Recorder struct {
	// OperationsTotal tracks operations by model, operation and result kind
	OperationsTotal *prometheus.CounterVec

	// OperationDuration tracks operation latency in seconds
	OperationDuration *prometheus.HistogramVec

	// TransactionsTotal tracks interactive transactions by outcome
	TransactionsTotal *prometheus.CounterVec
}

func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = "botadmin"
	}
	return &Recorder{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of repository operations by result",
			},
			[]string{"model", "op", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of repository operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"model", "op"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of interactive transactions by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register adds every collector to reg.
func (r *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{r.OperationsTotal, r.OperationDuration, r.TransactionsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observe records one finished operation. The result label is "ok" or the
// error kind.
func (r *Recorder) Observe(model, op string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = dberrors.KindOf(err).String()
	}
	r.OperationsTotal.WithLabelValues(model, op, result).Inc()
	r.OperationDuration.WithLabelValues(model, op).Observe(elapsed.Seconds())
}

// Transaction records the outcome of one interactive transaction:
// "commit", "rollback" or "timeout".
func (r *Recorder) Transaction(outcome string) {
	if r == nil {
		return
	}
	r.TransactionsTotal.WithLabelValues(outcome).Inc()
}
