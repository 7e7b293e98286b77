package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	acquireResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lock",
		Name:      "acquire_total",
		Help:      "Lease acquire attempts by outcome.",
	}, []string{"result"})

	acquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lock",
		Name:      "acquire_seconds",
		Help:      "Latency of lease acquisition including the lease store round trips.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lock",
		Name:      "heartbeats_total",
		Help:      "Lease heartbeats by outcome.",
	}, []string{"result"})

	reclaimedLeases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lock",
		Name:      "reclaimed_total",
		Help:      "Leases deactivated by expiry or heartbeat timeout.",
	}, []string{"reason"})

	guardLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lock",
		Name:      "guard_lost_total",
		Help:      "Acquires abandoned because the per-twin guard expired before the lease was persisted.",
	})

	tracer = otel.Tracer("github.com/example/twin-collab/lock")
)

func init() {
	prometheus.MustRegister(acquireResults, acquireLatency, heartbeats, reclaimedLeases, guardLosses)
}
