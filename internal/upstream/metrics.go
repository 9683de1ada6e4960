package upstream

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream requests by endpoint and HTTP status (or error).",
	}, []string{"endpoint", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "run_tracker",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency of upstream requests.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
	}, []string{"endpoint"})

	lookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "upstream",
		Name:      "detail_lookups_total",
		Help:      "Season lookups made while enriching runs, by result (hit, absent, error).",
	}, []string{"result"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "upstream",
		Name:      "circuit_state",
		Help:      "Upstream circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "upstream",
		Name:      "open_sessions",
		Help:      "Upstream sessions currently open.",
	})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration, lookupCounter, breakerState, openSessions)
}
