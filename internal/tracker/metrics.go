package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	checkCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "tracker",
		Name:      "checks_total",
		Help:      "Entity checks by outcome.",
	}, []string{"outcome"})

	checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "tracker",
		Name:      "check_errors_total",
		Help:      "Entity checks that failed to persist their result.",
	})

	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "run_tracker",
		Subsystem: "tracker",
		Name:      "check_duration_seconds",
		Help:      "Time spent checking one entity, upstream calls included.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(checkCounter, checkErrors, checkDuration)
}
