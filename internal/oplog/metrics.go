package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "submissions_total",
		Help:      "Operation submissions by outcome.",
	}, []string{"result"})

	appendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oplog",
		Name:      "append_seconds",
		Help:      "Latency of authorizing and appending an operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	tracer = otel.Tracer("github.com/example/twin-collab/oplog")
)

func init() {
	prometheus.MustRegister(appended, appendLatency)
}
