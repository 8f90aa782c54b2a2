package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mealslot"

var (
	once sync.Once

	ordersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Count of orders placed.",
		},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Count of order transitions by target status.",
		},
		[]string{"status"},
	)

	orderRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_rejections_total",
			Help:      "Count of rejected order operations by operation and reason.",
		},
		[]string{"operation", "reason"},
	)

	blacklistChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_changes_total",
			Help:      "Count of blacklist entries created and lifted.",
		},
		[]string{"change"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noshow_sweep_runs_total",
			Help:      "Count of no-show sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "noshow_sweep_duration_seconds",
			Help:      "Duration of no-show sweeps.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60},
		},
	)

	clockOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_milliseconds",
			Help:      "Offset applied to the local clock.",
		},
	)

	clockSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_syncs_total",
			Help:      "Count of time synchronizations by result.",
		},
		[]string{"result"},
	)

	effectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effect_failures_total",
			Help:      "Count of notification and audit deliveries that failed.",
		},
		[]string{"kind"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ordersCreated,
			orderTransitions,
			orderRejections,
			blacklistChanges,
			sweepRuns,
			sweepDuration,
			clockOffset,
			clockSyncs,
			effectFailures,
		)
	})
}

func IncOrderCreated() {
	ordersCreated.Inc()
}

func IncOrderTransition(status string) {
	orderTransitions.WithLabelValues(status).Inc()
}

func IncOrderRejected(operation, reason string) {
	orderRejections.WithLabelValues(operation, reason).Inc()
}

func IncBlacklistCreated() {
	blacklistChanges.WithLabelValues("created").Inc()
}

func IncBlacklistLifted(how string) {
	blacklistChanges.WithLabelValues(how).Inc()
}

func ObserveSweep(outcome string, seconds float64) {
	sweepRuns.WithLabelValues(outcome).Inc()
	sweepDuration.Observe(seconds)
}

func SetClockOffset(ms int64) {
	clockOffset.Set(float64(ms))
}

func IncClockSync(success bool) {
	if success {
		clockSyncs.WithLabelValues("success").Inc()
		return
	}
	clockSyncs.WithLabelValues("failure").Inc()
}

func IncEffectFailure(kind string) {
	effectFailures.WithLabelValues(kind).Inc()
}
