package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDriftRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replypay",
		Subsystem: "reconciliation",
		Name:      "drift_rows",
		Help:      "Transactions with a transfer reference but a lagging local status found in the last run.",
	})

	reconcileRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replypay",
		Subsystem: "reconciliation",
		Name:      "repairs_total",
		Help:      "Total status repairs applied by final status.",
	}, []string{"status"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replypay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replypay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDriftRows,
		reconcileRepairs,
		reconcileDuration,
		reconcileErrors,
	)
}
