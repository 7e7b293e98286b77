package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "transaction_seconds",
		Help:      "Latency of Postgres transactions including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "retries_total",
		Help:      "Transactions retried after transient Postgres failures.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(queryLatency, retries)
}
