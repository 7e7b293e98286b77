package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "published_total",
		Help:      "Events published to the cross-instance bus by result.",
	}, []string{"result"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_deliver_seconds",
		Help:      "Observed latency between publish and local delivery.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(published, deliveryLatency)
}
