package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	resolvedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "operations_resolved_total",
		Help:      "Operations that reached a terminal status.",
	}, []string{"status"})

	supersededOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "operations_superseded_total",
		Help:      "Applied operations whose property write replaced one from the same batch.",
	})

	pendingOps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "operations_waiting",
		Help:      "Operations still waiting for causal predecessors after a step.",
	}, []string{"twin"})

	stepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "step_seconds",
		Help:      "Duration of one resolution step.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	replayedOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "operations_replayed_total",
		Help:      "Resolved operations replayed while loading state.",
	})

	haltedResolvers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "halts_total",
		Help:      "Resolver halts caused by causal invariant violations.",
	})

	ownership = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "ownership_total",
		Help:      "Twin ownership transitions by kind.",
	}, []string{"event"})

	tracer = otel.Tracer("github.com/example/twin-collab/resolver")
)

func init() {
	prometheus.MustRegister(resolvedOps, supersededOps, pendingOps, stepLatency, replayedOps, haltedResolvers, ownership)
}
