package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "txn",
			Name:      "total",
			Help:      "Counter of finished transactions by result.",
		}, []string{"result"})

	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "txn",
			Name:      "retries_total",
			Help:      "Counter of retry signals by reason.",
		}, []string{"reason"})

	bargeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "txn",
			Name:      "barges_total",
			Help:      "Counter of younger transactions killed by older ones.",
		})

	attemptsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stm",
			Subsystem: "txn",
			Name:      "attempts",
			Help:      "Bucketed histogram of attempts per transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		})

	blockingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stm",
			Subsystem: "blocking",
			Name:      "behaviors",
			Help:      "Number of transactions waiting on a blocking behavior.",
		})

	actionPanicCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "action",
			Name:      "panics_total",
			Help:      "Counter of committed actions that panicked.",
		})

	actionDroppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "action",
			Name:      "dropped_total",
			Help:      "Counter of actions handed off after the executor was closed.",
		})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(retryCounter)
	prometheus.MustRegister(bargeCounter)
	prometheus.MustRegister(attemptsHistogram)
	prometheus.MustRegister(blockingGauge)
	prometheus.MustRegister(actionPanicCounter)
	prometheus.MustRegister(actionDroppedCounter)
}
