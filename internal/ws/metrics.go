package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per twin.",
	}, []string{"twin"})

	gatewaySendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames per twin.",
	}, []string{"twin"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "event_frames_total",
		Help:      "Event frames delivered to local websocket clients.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth, framesSent)
}

var tracer = otel.Tracer("github.com/example/twin-collab/ws")
