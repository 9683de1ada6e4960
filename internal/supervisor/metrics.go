package supervisor

import "github.com/prometheus/client_golang/prometheus"

var eventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "run_tracker",
	Subsystem: "supervisor",
	Name:      "events_total",
	Help:      "Supervisor events by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(eventCounter)
}
