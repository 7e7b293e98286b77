package version

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	versionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "version",
		Name:      "created_total",
		Help:      "Versions created by snapshot.",
	})

	snapshotLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "version",
		Name:      "snapshot_seconds",
		Help:      "Time spent materializing and storing a version.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	tracer = otel.Tracer("github.com/example/twin-collab/version")
)

func init() {
	prometheus.MustRegister(versionsCreated, snapshotLatency)
}
