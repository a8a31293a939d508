package keeper

import "github.com/prometheus/client_golang/prometheus"

var (
	renewalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "renewals_total",
		Help:      "Renewal attempts by outcome (renewed, skipped, rejected, failed).",
	}, []string{"outcome"})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "rejections_total",
		Help:      "Renewals rejected by the ledger, by error kind.",
	}, []string{"kind"})

	executorFees = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "executor_fees_units_total",
		Help:      "Executor fees earned by this keeper in smallest token units.",
	})

	dueAgreements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "due_agreements",
		Help:      "Agreements found inside their renewal window on the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of keeper sweeps.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "sweep_errors_total",
		Help:      "Sweeps that could not list due agreements.",
	})

	backedOffAgreements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "tracked_rejections",
		Help:      "Agreements with recent rejections tracked by the renewal breaker.",
	})

	sweepPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "keeper",
		Name:      "sweep_panics_total",
		Help:      "Sweeps recovered from a panic.",
	})
)

func init() {
	prometheus.MustRegister(
		renewalOutcomes,
		rejections,
		executorFees,
		dueAgreements,
		sweepDuration,
		sweepErrors,
		backedOffAgreements,
		sweepPanics,
	)
}
