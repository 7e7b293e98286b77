package leasestore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leasestore",
		Name:      "op_seconds",
		Help:      "Latency of lease store round trips.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})

	storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leasestore",
		Name:      "errors_total",
		Help:      "Lease store calls that failed and were reported as unavailable.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(storeLatency, storeErrors)
}

func observe(op string, start time.Time, err error) {
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		storeErrors.WithLabelValues(op).Inc()
	}
}
