// Package observability holds process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runRecordedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "persistence",
		Name:      "last_run_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent run committed to storage.",
	})
	passCompletedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "scheduler",
		Name:      "last_pass_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed polling pass.",
	})
	notificationDeliveredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "run_tracker",
		Subsystem: "notifier",
		Name:      "last_notification_delivered_timestamp_seconds",
		Help:      "Unix timestamp of the most recent notification handed to a sink.",
	})
)

func init() {
	prometheus.MustRegister(runRecordedGauge, passCompletedGauge, notificationDeliveredGauge)
}

// RecordRunPersisted updates the persistence watermark gauge.
func RecordRunPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	runRecordedGauge.Set(float64(ts.Unix()))
}

// RecordPassCompleted updates the scheduler watermark gauge.
func RecordPassCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	passCompletedGauge.Set(float64(ts.Unix()))
}

// RecordNotificationDelivered updates the delivery watermark gauge.
func RecordNotificationDelivered(ts time.Time) {
	if ts.IsZero() {
		return
	}
	notificationDeliveredGauge.Set(float64(ts.Unix()))
}
