package state

import "github.com/prometheus/client_golang/prometheus"

var (
	commitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "state",
		Name:      "commit_seconds",
		Help:      "Time spent committing resolved operations to materialized state.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	loadedTwins = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "state",
		Name:      "twins",
		Help:      "Number of twin documents loaded in memory.",
	})
)

func init() {
	prometheus.MustRegister(commitLatency, loadedTwins)
}
