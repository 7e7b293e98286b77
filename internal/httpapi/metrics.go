package httpapi

import "github.com/prometheus/client_golang/prometheus"

var requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "http",
	Name:      "request_seconds",
	Help:      "HTTP request latency by route and status.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"method", "route", "status"})

func init() {
	prometheus.MustRegister(requestLatency)
}
