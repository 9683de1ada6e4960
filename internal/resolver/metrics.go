package resolver

import "github.com/prometheus/client_golang/prometheus"

var shapeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "run_tracker",
	Subsystem: "resolver",
	Name:      "documents_parsed_total",
	Help:      "Profile documents parsed, by the run list shape that matched.",
}, []string{"shape"})

var timestampFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "run_tracker",
	Subsystem: "resolver",
	Name:      "unparsed_timestamp_selections_total",
	Help:      "Latest-run selections that fell back to ordering raw completion timestamps.",
})

func init() {
	prometheus.MustRegister(shapeCounter, timestampFallbacks)
}

func recordShape(shape Shape) {
	shapeCounter.WithLabelValues(shape.String()).Inc()
}
