package metadata

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "metadata",
		Name:      "refreshes_total",
		Help:      "Metadata refresh attempts by result.",
	}, []string{"result"})

	lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_tracker",
		Subsystem: "metadata",
		Name:      "lookups_total",
		Help:      "Snapshot reads by outcome.",
	}, []string{"outcome"})

	entryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "metadata",
		Name:      "entries",
		Help:      "Dungeons in the current snapshot.",
	})

	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "metadata",
		Name:      "state",
		Help:      "Cache state (0 empty, 1 loading, 2 fresh, 3 stale).",
	})
)

func init() {
	prometheus.MustRegister(refreshes, lookups, entryGauge, stateGauge)
}
