package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by name and outcome. The result
	// label is "ok" or the error kind.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recurring",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by name and result.",
		},
		[]string{"operation", "result"},
	)

	// LedgerOpDuration observes operation latency by name.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recurring",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	paymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "payments_total",
		Help:      "Payments collected, including first payments and renewals.",
	})

	paymentVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "payment_volume_units_total",
		Help:      "Gross payment volume in smallest token units.",
	})

	feesCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "fees_collected_units_total",
		Help:      "Fees collected in smallest token units by fee type.",
	}, []string{"fee"})

	renewalsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "renewals_executed_total",
		Help:      "Successful agreement renewals.",
	})

	agreementsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "agreements_canceled_total",
		Help:      "Agreements canceled by their payer.",
	})

	agreementsReactivated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "agreements_reactivated_total",
		Help:      "Canceled agreements reactivated.",
	})

	tierChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "tier_changes_total",
		Help:      "Payee tier transitions by new tier.",
	}, []string{"tier"})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recurring",
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Ledger events delivered by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		paymentsTotal,
		paymentVolume,
		feesCollected,
		renewalsExecuted,
		agreementsCanceled,
		agreementsReactivated,
		tierChanges,
		eventsTotal,
	)
}

// observeOp starts timing an operation and returns a function that records
// its duration and outcome.
func observeOp(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		result := "ok"
		if err != nil {
			result = string(KindOf(err))
		}
		LedgerOpsTotal.WithLabelValues(operation, result).Inc()
		LedgerOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
