package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	// publishedTotal counts relay publish attempts by result ("ok", "failed", "claim_lost").
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_publish_total",
			Help: "Outbox rows handed to the broker, by result.",
		},
		[]string{"result"},
	)

	publishLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_relay_publish_duration_seconds",
			Help:    "Time from publish to broker confirmation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	reclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_relay_reclaimed_total",
			Help: "Stale outbox claims returned to Pending.",
		},
	)

	backlogRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog_rows",
			Help: "Outbox rows waiting to be published.",
		},
	)

	// backlogAge is 0 when nothing is pending.
	backlogAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog_oldest_age_seconds",
			Help: "Age of the oldest pending outbox row.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishedTotal, publishLatency, reclaimedTotal, backlogRows, backlogAge)
}
