package consumer

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveriesTotal counts settled deliveries by outcome
	// (acked, retried, dead_lettered, requeued).
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_deliveries_total",
			Help: "Deliveries settled by the payment event consumer, by outcome.",
		},
		[]string{"outcome"},
	)

	handleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consumer_handle_duration_seconds",
			Help:    "Time spent in the event handler.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, handleLatency)
}
