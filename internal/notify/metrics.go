package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	unroutableTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "notify",
		Name:      "unroutable_total",
		Help:      "Novel runs that had no destination for their tenant.",
	}, []string{"tenant"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by sink and result.",
	}, []string{"sink", "result"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "run_tracker",
		Subsystem: "notify",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one notification.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(unroutableTotal, deliveries, deliveryLatency)
}
