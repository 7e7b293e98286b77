package presence

import "github.com/prometheus/client_golang/prometheus"

var updates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "updates_total",
	Help:      "Presence changes by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(updates)
}
