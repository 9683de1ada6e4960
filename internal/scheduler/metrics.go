package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	passCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Polling passes started.",
	})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a polling pass.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	skippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "entities_skipped_total",
		Help:      "Entities skipped because a previous check was still running.",
	})

	panicCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "task_panics_total",
		Help:      "Entity checks that panicked.",
	})

	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "in_flight_entities",
		Help:      "Entities currently being checked.",
	})
)

func init() {
	prometheus.MustRegister(passCounter, passDuration, skippedCounter, panicCounter, inFlightGauge)
}
